package transform

import (
	"image"

	"github.com/disintegration/imaging"

	"photo-pipeline/internal/models"
)

// retouchNudge holds the coarse brightness/saturation adjustment for
// one retouch mode. This is a placeholder heuristic, not a learned
// model; the values were picked to match the preview renderer.
type retouchNudge struct {
	brightness float64 // percentage for imaging.AdjustBrightness
	saturation float64 // percentage for imaging.AdjustSaturation
}

var retouchNudges = map[models.RetouchMode]retouchNudge{
	models.RetouchAuto:      {brightness: 4, saturation: 8},
	models.RetouchPortrait:  {brightness: 6, saturation: -5},
	models.RetouchLandscape: {brightness: 2, saturation: 15},
}

// defaultRetouchPixels is the fallback bound on the decoded size the
// retouch pass will touch when no byte cap is configured. 10 MB of
// RGBA, so ~2.6 megapixels.
const defaultRetouchPixels = 10 * 1024 * 1024 / 4

// applyRetouch runs the lightweight retouch for mode, skipping images
// whose decoded pixel count exceeds maxPixels.
func applyRetouch(img *image.NRGBA, mode models.RetouchMode, maxPixels int) *image.NRGBA {
	nudge, ok := retouchNudges[mode]
	if !ok {
		return img
	}
	bounds := img.Bounds()
	if bounds.Dx()*bounds.Dy() > maxPixels {
		return img
	}
	out := imaging.AdjustBrightness(img, nudge.brightness)
	out = imaging.AdjustSaturation(out, nudge.saturation)
	return out
}
