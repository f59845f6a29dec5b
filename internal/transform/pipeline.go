package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"net/http"

	"github.com/buckket/go-blurhash"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"photo-pipeline/internal/config"
	"photo-pipeline/internal/models"
	"photo-pipeline/internal/telemetry"
)

// Options selects the per-photo transform inputs. The pipeline itself
// never touches the metadata or object stores; it is a pure function of
// (bytes, options).
type Options struct {
	RotationOverride *int
	PresetID         string
	Retouch          models.RetouchMode
	Watermarks       []models.Watermark // empty when watermarking is disabled
}

// Result carries everything the state machine persists after a run.
type Result struct {
	Thumb          []byte
	Preview        []byte
	Width          int
	Height         int
	PerceptualHash string
	Exif           map[string]any
}

// Pipeline applies the fixed transform stage order:
// rotation, retouch-lite, style preset, derivative generation,
// preview + watermark compositing, encode. The order is part of the
// output contract; identical inputs produce byte-identical outputs.
type Pipeline struct {
	thumbMaxEdge     int
	previewMaxEdge   int
	thumbQuality     int
	previewQuality   int
	retouchMaxPixels int
	logos            *LogoFetcher
	log              zerolog.Logger
}

// New builds a pipeline from config.
func New(cfg config.Config, log zerolog.Logger) *Pipeline {
	client := &http.Client{Timeout: cfg.LogoFetchTimeout}
	// The retouch cap is configured in decoded RGBA bytes, 4 per pixel.
	retouchPixels := int(cfg.RetouchSkipBytes / 4)
	if retouchPixels <= 0 {
		retouchPixels = defaultRetouchPixels
	}
	return &Pipeline{
		thumbMaxEdge:     cfg.ThumbMaxEdge,
		previewMaxEdge:   cfg.PreviewMaxEdge,
		thumbQuality:     cfg.ThumbQuality,
		previewQuality:   cfg.PreviewQuality,
		retouchMaxPixels: retouchPixels,
		logos:            NewLogoFetcher(client, cfg.LogoMaxBytes, cfg.LogoAllowedHosts),
		log:              log,
	}
}

// Run executes the pipeline over raw source bytes. Corrupt source bytes
// fail the whole run; individual watermark layers degrade by being
// skipped.
func (p *Pipeline) Run(ctx context.Context, src []byte, opts Options) (Result, error) {
	// Stage 1: decode with embedded orientation applied, then compose
	// any manual override on top of it.
	decoded, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("decode source image: %w", err)
	}
	img := imaging.Clone(decoded)
	if opts.RotationOverride != nil && *opts.RotationOverride%360 != 0 {
		img = rotateDegrees(img, *opts.RotationOverride)
	}

	// Stage 2: lightweight retouch.
	if opts.Retouch != models.RetouchOff {
		img = applyRetouch(img, opts.Retouch, p.retouchMaxPixels)
	}

	// Stage 3: style preset. Unknown preset ids degrade to a no-op.
	preset, ok := LookupPreset(opts.PresetID)
	if !ok {
		p.log.Warn().Str("preset", opts.PresetID).Msg("unknown style preset, skipping")
		preset = NeutralPreset()
	}
	if !preset.IsNeutral() {
		img = ApplyPreset(img, preset, p.log)
	}

	bounds := img.Bounds()
	result := Result{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Exif:   ExtractExif(src),
	}

	// Stage 4: perceptual hash and thumbnail in parallel off the
	// stage-3 output.
	var thumbBytes []byte
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		hash, err := perceptualHash(img)
		if err != nil {
			return fmt.Errorf("perceptual hash: %w", err)
		}
		result.PerceptualHash = hash
		return nil
	})
	g.Go(func() error {
		thumb := resizeCapped(img, p.thumbMaxEdge)
		encoded, err := encodeJPEG(thumb, p.thumbQuality)
		if err != nil {
			return fmt.Errorf("encode thumbnail: %w", err)
		}
		thumbBytes = encoded
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	result.Thumb = thumbBytes

	// Stage 5/6: preview plus watermark compositing.
	preview := resizeCapped(img, p.previewMaxEdge)
	preview = p.compositeWatermarks(ctx, preview, opts.Watermarks)

	// Stage 7: encode.
	previewBytes, err := encodeJPEG(preview, p.previewQuality)
	if err != nil {
		return Result{}, fmt.Errorf("encode preview: %w", err)
	}
	result.Preview = previewBytes
	return result, nil
}

// compositeWatermarks prepares all layers concurrently and composites
// them in declared order in one pass. A failed layer is skipped, never
// fatal.
func (p *Pipeline) compositeWatermarks(ctx context.Context, canvas *image.NRGBA, specs []models.Watermark) *image.NRGBA {
	if len(specs) == 0 {
		return canvas
	}
	bounds := canvas.Bounds()
	layers := make([]*layer, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			l, err := p.prepareLayer(gctx, spec, bounds.Dx(), bounds.Dy())
			if err != nil {
				telemetry.WatermarksSkipped.Inc()
				p.log.Warn().Err(err).Int("layer", i).Str("type", spec.Type).
					Msg("watermark layer skipped")
				return nil
			}
			layers[i] = &l
			return nil
		})
	}
	_ = g.Wait()

	for _, l := range layers {
		if l == nil {
			continue
		}
		canvas = imaging.Overlay(canvas, l.img, l.at, l.opacity)
	}
	return canvas
}

// rotateDegrees applies a manual rotation override. Right-angle
// rotations use the lossless paths; anything else rotates over a black
// background.
func rotateDegrees(img *image.NRGBA, degrees int) *image.NRGBA {
	deg := degrees % 360
	if deg < 0 {
		deg += 360
	}
	switch deg {
	case 0:
		return img
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return imaging.Rotate(img, -float64(deg), color.Black)
	}
}

// resizeCapped scales so the long edge is at most maxEdge, never
// upscaling.
func resizeCapped(img *image.NRGBA, maxEdge int) *image.NRGBA {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return img
	}
	if w >= h {
		return imaging.Resize(img, maxEdge, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, maxEdge, imaging.Lanczos)
}

// perceptualHash downsamples to a fixed 32x32 grid and feeds it to the
// blurhash encoder, so visually similar images produce similar strings.
func perceptualHash(img image.Image) (string, error) {
	sample := imaging.Resize(img, 32, 32, imaging.Lanczos)
	return blurhash.Encode(4, 4, sample)
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
