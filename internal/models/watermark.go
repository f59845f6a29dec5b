package models

import (
	"encoding/json"
	"fmt"
)

// Watermark anchor positions. Nine fixed anchors on the preview canvas.
const (
	AnchorTopLeft      = "top-left"
	AnchorTopCenter    = "top-center"
	AnchorTopRight     = "top-right"
	AnchorCenterLeft   = "center-left"
	AnchorCenter       = "center-center"
	AnchorCenterRight  = "center-right"
	AnchorBottomLeft   = "bottom-left"
	AnchorBottomCenter = "bottom-center"
	AnchorBottomRight  = "bottom-right"
)

// Watermark describes a single overlay layer.
// SizePercent is relative to preview width; legacy configs stored raw
// pixels there, which NormalizeWatermarks converts.
type Watermark struct {
	Type          string  `json:"type"` // "text" or "logo"
	Text          string  `json:"text,omitempty"`
	LogoURL       string  `json:"logo_url,omitempty"`
	Opacity       float64 `json:"opacity"`
	Position      string  `json:"position"`
	SizePercent   float64 `json:"size_percent,omitempty"`
	MarginPercent float64 `json:"margin_percent,omitempty"`
}

// legacyWatermark is the old single-watermark JSON shape still present
// on older album rows.
type legacyWatermark struct {
	Text     string   `json:"text"`
	LogoURL  string   `json:"logoUrl"`
	Opacity  *float64 `json:"opacity"`
	Position string   `json:"position"`
	Size     *float64 `json:"size"`
	Margin   *float64 `json:"margin"`
}

const (
	defaultOpacity       = 0.5
	defaultMarginPercent = 5
	// Legacy size values were pixels; anything above this is treated as
	// a pixel size and converted to a percentage of a 1920px preview.
	legacyPixelCutover = 20
)

// NormalizeWatermarks parses a stored watermark config blob into the
// multi-watermark form. It accepts a JSON array of Watermark, a single
// legacy object, or empty input, so format branching never reaches the
// transform pipeline.
func NormalizeWatermarks(raw []byte) ([]Watermark, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var multi []Watermark
	if err := json.Unmarshal(raw, &multi); err == nil {
		for i := range multi {
			applyWatermarkDefaults(&multi[i])
		}
		return multi, nil
	}

	var legacy legacyWatermark
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("parse watermark config: %w", err)
	}

	w := Watermark{
		Text:     legacy.Text,
		LogoURL:  legacy.LogoURL,
		Position: legacy.Position,
	}
	if legacy.LogoURL != "" {
		w.Type = "logo"
	} else {
		w.Type = "text"
	}
	if legacy.Opacity != nil {
		w.Opacity = *legacy.Opacity
	}
	if legacy.Size != nil {
		w.SizePercent = *legacy.Size
	}
	if legacy.Margin != nil {
		w.MarginPercent = *legacy.Margin
	}
	applyWatermarkDefaults(&w)
	return []Watermark{w}, nil
}

func applyWatermarkDefaults(w *Watermark) {
	if w.Type == "" {
		if w.LogoURL != "" {
			w.Type = "logo"
		} else {
			w.Type = "text"
		}
	}
	if w.Opacity <= 0 || w.Opacity > 1 {
		w.Opacity = defaultOpacity
	}
	if !validAnchor(w.Position) {
		w.Position = AnchorBottomRight
	}
	if w.MarginPercent <= 0 {
		w.MarginPercent = defaultMarginPercent
	}
	// Pixel sizes from legacy configs are expressed against a 1920px
	// preview; convert so the pipeline only ever sees percentages.
	if w.SizePercent > legacyPixelCutover {
		w.SizePercent = w.SizePercent / 1920 * 100
	}
}

func validAnchor(p string) bool {
	switch p {
	case AnchorTopLeft, AnchorTopCenter, AnchorTopRight,
		AnchorCenterLeft, AnchorCenter, AnchorCenterRight,
		AnchorBottomLeft, AnchorBottomCenter, AnchorBottomRight:
		return true
	}
	return false
}
