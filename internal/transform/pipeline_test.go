package transform

import (
	"bytes"
	"context"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"photo-pipeline/internal/config"
	"photo-pipeline/internal/models"
)

func testPipeline() *Pipeline {
	cfg := config.Config{
		ThumbMaxEdge:     400,
		PreviewMaxEdge:   1920,
		ThumbQuality:     70,
		PreviewQuality:   88,
		LogoFetchTimeout: 2 * time.Second,
		LogoMaxBytes:     1024 * 1024,
	}
	return New(cfg, zerolog.Nop())
}

// gradientPNG builds a deterministic non-trivial source image.
func gradientPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8((x + y) * 255 / (w + h)),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func TestRunProducesDerivatives(t *testing.T) {
	p := testPipeline()
	src := gradientPNG(t, 800, 600)

	res, err := p.Run(context.Background(), src, Options{PresetID: "warm"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Thumb) == 0 || len(res.Preview) == 0 {
		t.Fatal("expected encoded thumbnail and preview")
	}
	if res.PerceptualHash == "" {
		t.Fatal("expected non-empty perceptual hash")
	}
	if res.Width != 800 || res.Height != 600 {
		t.Fatalf("unexpected dimensions %dx%d", res.Width, res.Height)
	}

	thumb, err := imagingDecode(res.Thumb)
	if err != nil {
		t.Fatalf("decode thumb: %v", err)
	}
	if thumb.Bounds().Dx() != 400 {
		t.Fatalf("thumb long edge should be 400, got %d", thumb.Bounds().Dx())
	}
}

func TestRunIsDeterministic(t *testing.T) {
	p := testPipeline()
	src := gradientPNG(t, 640, 480)
	opts := Options{
		PresetID: "vivid",
		Retouch:  models.RetouchAuto,
		Watermarks: []models.Watermark{
			{Type: "text", Text: "proof", Opacity: 0.4, Position: models.AnchorBottomRight, MarginPercent: 5},
		},
	}

	first, err := p.Run(context.Background(), src, opts)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := p.Run(context.Background(), src, opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if !bytes.Equal(first.Thumb, second.Thumb) {
		t.Fatal("thumbnail bytes differ between identical runs")
	}
	if !bytes.Equal(first.Preview, second.Preview) {
		t.Fatal("preview bytes differ between identical runs")
	}
	if first.PerceptualHash != second.PerceptualHash {
		t.Fatal("perceptual hash differs between identical runs")
	}
}

func TestRunNeverUpscales(t *testing.T) {
	p := testPipeline()
	src := gradientPNG(t, 120, 90)

	res, err := p.Run(context.Background(), src, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	thumb, err := imagingDecode(res.Thumb)
	if err != nil {
		t.Fatalf("decode thumb: %v", err)
	}
	if thumb.Bounds().Dx() != 120 || thumb.Bounds().Dy() != 90 {
		t.Fatalf("small source should not upscale, got %v", thumb.Bounds())
	}
}

func TestRunRejectsCorruptSource(t *testing.T) {
	p := testPipeline()
	if _, err := p.Run(context.Background(), []byte("not an image"), Options{}); err == nil {
		t.Fatal("expected corrupt source bytes to fail the run")
	}
}

func TestRunAppliesRotationOverride(t *testing.T) {
	p := testPipeline()
	src := gradientPNG(t, 200, 100)
	deg := 90

	res, err := p.Run(context.Background(), src, Options{RotationOverride: &deg})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Width != 100 || res.Height != 200 {
		t.Fatalf("90 degree rotation should swap dimensions, got %dx%d", res.Width, res.Height)
	}
}

func TestRunSkipsFailingWatermarkLayer(t *testing.T) {
	p := testPipeline()
	src := gradientPNG(t, 400, 300)
	opts := Options{
		Watermarks: []models.Watermark{
			{Type: "logo", LogoURL: "http://127.0.0.1:1/logo.png", Opacity: 0.5, Position: models.AnchorBottomRight, MarginPercent: 5},
			{Type: "text", Text: "still here", Opacity: 0.5, Position: models.AnchorTopLeft, MarginPercent: 5},
		},
	}

	res, err := p.Run(context.Background(), src, opts)
	if err != nil {
		t.Fatalf("a failing watermark layer must not fail the run: %v", err)
	}
	if len(res.Preview) == 0 {
		t.Fatal("expected preview despite skipped layer")
	}
}

func TestRunSkipsRetouchAboveConfiguredCap(t *testing.T) {
	cfg := config.Config{
		ThumbMaxEdge:     400,
		PreviewMaxEdge:   1920,
		ThumbQuality:     70,
		PreviewQuality:   88,
		LogoFetchTimeout: 2 * time.Second,
		LogoMaxBytes:     1024 * 1024,
		RetouchSkipBytes: 100 * 4, // 100-pixel cap
	}
	capped := New(cfg, zerolog.Nop())
	src := gradientPNG(t, 64, 48) // 3072 pixels, over the cap

	plain, err := capped.Run(context.Background(), src, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	retouched, err := capped.Run(context.Background(), src, Options{Retouch: models.RetouchAuto})
	if err != nil {
		t.Fatalf("run with retouch: %v", err)
	}
	if !bytes.Equal(plain.Preview, retouched.Preview) {
		t.Fatal("retouch should be skipped above the configured pixel cap")
	}

	// Under the default cap the same image is well within bounds, so
	// the retouch applies and the bytes differ.
	deflt := testPipeline()
	base, err := deflt.Run(context.Background(), src, Options{})
	if err != nil {
		t.Fatalf("run default cap: %v", err)
	}
	adjusted, err := deflt.Run(context.Background(), src, Options{Retouch: models.RetouchAuto})
	if err != nil {
		t.Fatalf("run default cap with retouch: %v", err)
	}
	if bytes.Equal(base.Preview, adjusted.Preview) {
		t.Fatal("retouch should apply under the default cap")
	}
}

func imagingDecode(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	return img, err
}
