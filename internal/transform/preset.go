package transform

import (
	"image"
	"math"

	"github.com/rs/zerolog"
)

// Preset is a named, fixed set of color-transform parameters. Zero
// values are replaced by the neutral defaults before application, so a
// partially-specified preset leaves the other axes untouched.
type Preset struct {
	Brightness float64 // multiplier, neutral 1
	Contrast   float64 // -1..1, neutral 0
	Saturation float64 // multiplier, neutral 1
	Gamma      float64 // clamped to [1, 3], neutral 1
	Hue        float64 // degrees, neutral 0
	// Tint is accepted from configuration but not applied in the pixel
	// domain: a naive tint globally recolors the image. Kept so preset
	// configs round-trip unchanged.
	Tint float64
}

const (
	gammaMin = 1.0
	gammaMax = 3.0
)

// NeutralPreset returns the identity preset: every axis at its defined
// neutral default.
func NeutralPreset() Preset {
	return Preset{Brightness: 1, Saturation: 1, Gamma: 1}
}

// presets is the static table of named style presets. Entries are fully
// specified; a zero saturation is meaningful (grayscale).
var presets = map[string]Preset{
	"none":     NeutralPreset(),
	"warm":     {Brightness: 1.05, Saturation: 1.1, Gamma: 1, Hue: -8},
	"cool":     {Brightness: 1, Saturation: 1.05, Gamma: 1, Hue: 10},
	"vivid":    {Brightness: 1, Contrast: 0.25, Saturation: 1.35, Gamma: 1},
	"matte":    {Brightness: 1, Contrast: -0.15, Saturation: 1, Gamma: 1.2},
	"punch":    {Brightness: 1.08, Contrast: 0.2, Saturation: 1.2, Gamma: 1.1},
	"mono":     {Brightness: 1, Contrast: 0.1, Saturation: 0, Gamma: 1},
	"faded":    {Brightness: 1.1, Contrast: -0.25, Saturation: 0.8, Gamma: 1},
	"dramatic": {Brightness: 1, Contrast: 0.4, Saturation: 0.9, Gamma: 1.3},
}

// LookupPreset resolves a preset id. The empty id is the neutral
// preset; unknown ids report false so the caller can degrade to a
// no-op transform.
func LookupPreset(id string) (Preset, bool) {
	if id == "" {
		return NeutralPreset(), true
	}
	p, ok := presets[id]
	return p, ok
}

// IsNeutral reports whether applying the preset would be a no-op.
func (p Preset) IsNeutral() bool {
	return p.Brightness == 1 && p.Contrast == 0 && p.Saturation == 1 &&
		p.Gamma == 1 && p.Hue == 0
}

// ApplyPreset runs the style preset over img in the fixed stage order:
// (a) brightness/saturation/hue modulation in one pass, (b) linear
// contrast, (c) gamma. Reordering these changes the visual output, so
// the order is load-bearing.
func ApplyPreset(img *image.NRGBA, p Preset, log zerolog.Logger) *image.NRGBA {
	brightness := p.Brightness
	if brightness == 0 {
		brightness = 1
	}
	saturation := p.Saturation
	gamma := p.Gamma
	if gamma == 0 {
		gamma = 1
	}

	if brightness != 1 || saturation != 1 || p.Hue != 0 {
		modulate(img, brightness, saturation, p.Hue)
	}
	if p.Contrast != 0 {
		applyLUT(img, contrastLUT(p.Contrast))
	}
	if gamma != 1 {
		if gamma < gammaMin || gamma > gammaMax {
			clamped := math.Min(math.Max(gamma, gammaMin), gammaMax)
			log.Warn().Float64("gamma", gamma).Float64("clamped", clamped).
				Msg("preset gamma outside supported band")
			gamma = clamped
		}
		applyLUT(img, gammaLUT(gamma))
	}
	return img
}

// modulate applies brightness, saturation, and hue rotation in a single
// pixel pass.
func modulate(img *image.NRGBA, brightness, saturation, hueDeg float64) {
	sin, cos := math.Sincos(hueDeg * math.Pi / 180)
	// Hue rotation matrix in RGB space, luminance preserving.
	m := hueMatrix(cos, sin)
	rotate := hueDeg != 0

	pix := img.Pix
	for i := 0; i < len(pix); i += 4 {
		r := float64(pix[i]) * brightness
		g := float64(pix[i+1]) * brightness
		b := float64(pix[i+2]) * brightness

		if rotate {
			r, g, b = m[0]*r+m[1]*g+m[2]*b,
				m[3]*r+m[4]*g+m[5]*b,
				m[6]*r+m[7]*g+m[8]*b
		}

		if saturation != 1 {
			luma := 0.299*r + 0.587*g + 0.114*b
			r = luma + (r-luma)*saturation
			g = luma + (g-luma)*saturation
			b = luma + (b-luma)*saturation
		}

		pix[i] = clampByte(r)
		pix[i+1] = clampByte(g)
		pix[i+2] = clampByte(b)
	}
}

func hueMatrix(cos, sin float64) [9]float64 {
	const (
		lr = 0.213
		lg = 0.715
		lb = 0.072
	)
	return [9]float64{
		lr + cos*(1-lr) + sin*(-lr), lg + cos*(-lg) + sin*(-lg), lb + cos*(-lb) + sin*(1-lb),
		lr + cos*(-lr) + sin*0.143, lg + cos*(1-lg) + sin*0.140, lb + cos*(-lb) + sin*(-0.283),
		lr + cos*(-lr) + sin*(-(1 - lr)), lg + cos*(-lg) + sin*lg, lb + cos*(1-lb) + sin*lb,
	}
}

// contrastLUT builds the linear contrast table
// out = in*(1+c) + 128*(1-(1+c)), chosen so the mid-grey point 128 is
// invariant and only highlights and shadows stretch.
func contrastLUT(contrast float64) [256]uint8 {
	var lut [256]uint8
	scale := 1 + contrast
	for i := 0; i < 256; i++ {
		v := float64(i)*scale + 128*(1-scale)
		lut[i] = clampByte(v)
	}
	return lut
}

// gammaLUT builds the gamma correction table out = 255*(in/255)^(1/g).
func gammaLUT(gamma float64) [256]uint8 {
	var lut [256]uint8
	inv := 1 / gamma
	for i := 0; i < 256; i++ {
		v := 255 * math.Pow(float64(i)/255, inv)
		lut[i] = clampByte(v)
	}
	return lut
}

func applyLUT(img *image.NRGBA, lut [256]uint8) {
	pix := img.Pix
	for i := 0; i < len(pix); i += 4 {
		pix[i] = lut[pix[i]]
		pix[i+1] = lut[pix[i+1]]
		pix[i+2] = lut[pix[i+2]]
	}
}

func clampByte(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
