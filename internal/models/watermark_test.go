package models

import (
	"math"
	"testing"
)

func TestNormalizeWatermarksEmpty(t *testing.T) {
	wms, err := NormalizeWatermarks(nil)
	if err != nil {
		t.Fatalf("normalize empty: %v", err)
	}
	if wms != nil {
		t.Fatalf("expected nil for empty config, got %v", wms)
	}
}

func TestNormalizeWatermarksMultiArray(t *testing.T) {
	raw := []byte(`[
		{"type":"text","text":"studio","opacity":0.8,"position":"top-left","margin_percent":3},
		{"type":"logo","logo_url":"https://cdn.example.com/logo.png","position":"bottom-right"}
	]`)
	wms, err := NormalizeWatermarks(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(wms) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(wms))
	}
	if wms[0].Opacity != 0.8 || wms[0].MarginPercent != 3 {
		t.Fatalf("explicit values must survive: %+v", wms[0])
	}
	if wms[1].Opacity != 0.5 {
		t.Fatalf("missing opacity should default to 0.5, got %v", wms[1].Opacity)
	}
	if wms[1].MarginPercent != 5 {
		t.Fatalf("missing margin should default to 5, got %v", wms[1].MarginPercent)
	}
}

func TestNormalizeWatermarksLegacyObject(t *testing.T) {
	raw := []byte(`{"text":"proof","opacity":0.7,"position":"bottom-center","size":12,"margin":4}`)
	wms, err := NormalizeWatermarks(raw)
	if err != nil {
		t.Fatalf("normalize legacy: %v", err)
	}
	if len(wms) != 1 {
		t.Fatalf("legacy object should yield one layer, got %d", len(wms))
	}
	w := wms[0]
	if w.Type != "text" || w.Text != "proof" {
		t.Fatalf("unexpected layer %+v", w)
	}
	if w.Opacity != 0.7 || w.Position != AnchorBottomCenter {
		t.Fatalf("legacy fields lost: %+v", w)
	}
	if w.SizePercent != 12 {
		t.Fatalf("size <= 20 is already a percentage, got %v", w.SizePercent)
	}
	if w.MarginPercent != 4 {
		t.Fatalf("legacy margin lost: %v", w.MarginPercent)
	}
}

func TestNormalizeWatermarksLegacyLogo(t *testing.T) {
	raw := []byte(`{"logoUrl":"https://cdn.example.com/mark.png","position":"top-right"}`)
	wms, err := NormalizeWatermarks(raw)
	if err != nil {
		t.Fatalf("normalize legacy logo: %v", err)
	}
	if wms[0].Type != "logo" || wms[0].LogoURL == "" {
		t.Fatalf("logoUrl should produce a logo layer: %+v", wms[0])
	}
}

func TestNormalizeWatermarksLegacyPixelSize(t *testing.T) {
	// 192px on a 1920px preview is 10 percent.
	raw := []byte(`{"text":"proof","size":192}`)
	wms, err := NormalizeWatermarks(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if math.Abs(wms[0].SizePercent-10) > 1e-9 {
		t.Fatalf("pixel size 192 should convert to 10%%, got %v", wms[0].SizePercent)
	}
}

func TestNormalizeWatermarksBadAnchorAndOpacity(t *testing.T) {
	raw := []byte(`[{"type":"text","text":"x","opacity":7,"position":"nowhere"}]`)
	wms, err := NormalizeWatermarks(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if wms[0].Position != AnchorBottomRight {
		t.Fatalf("invalid anchor should fall back to bottom-right, got %q", wms[0].Position)
	}
	if wms[0].Opacity != 0.5 {
		t.Fatalf("out of range opacity should default, got %v", wms[0].Opacity)
	}
}

func TestNormalizeWatermarksMalformed(t *testing.T) {
	if _, err := NormalizeWatermarks([]byte(`{{not json`)); err == nil {
		t.Fatal("expected error for malformed config")
	}
}
