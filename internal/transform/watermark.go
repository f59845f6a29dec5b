package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"

	"photo-pipeline/internal/models"
)

// Default layer sizes, as a percentage of preview width.
const (
	defaultTextSizePercent = 4
	defaultLogoSizePercent = 15
)

var (
	fontOnce    sync.Once
	brandFont   *truetype.Font
	fontLoadErr error
)

func loadFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		brandFont, fontLoadErr = truetype.Parse(goregular.TTF)
	})
	return brandFont, fontLoadErr
}

// layer is one prepared watermark ready for compositing.
type layer struct {
	img     image.Image
	at      image.Point
	opacity float64
}

// PlaceLayer computes the top-left position for a layer of layerW x
// layerH on a canvas, anchored at one of the nine positions with a
// margin expressed as a percentage of canvas width. The result is
// clamped so the layer's bounding box never leaves the canvas.
func PlaceLayer(canvasW, canvasH, layerW, layerH int, position string, marginPercent float64) image.Point {
	margin := int(float64(canvasW) * marginPercent / 100)

	var x, y int
	switch horizontalAnchor(position) {
	case "left":
		x = margin
	case "center":
		x = (canvasW - layerW) / 2
	default: // right
		x = canvasW - layerW - margin
	}
	switch verticalAnchor(position) {
	case "top":
		y = margin
	case "center":
		y = (canvasH - layerH) / 2
	default: // bottom
		y = canvasH - layerH - margin
	}

	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if max := canvasW - layerW; max >= 0 && x > max {
		x = max
	}
	if max := canvasH - layerH; max >= 0 && y > max {
		y = max
	}
	return image.Pt(x, y)
}

func verticalAnchor(position string) string {
	parts := strings.SplitN(position, "-", 2)
	return parts[0]
}

func horizontalAnchor(position string) string {
	parts := strings.SplitN(position, "-", 2)
	if len(parts) < 2 {
		return "right"
	}
	return parts[1]
}

// LogoFetcher downloads watermark logos with a URL safety check, a
// request timeout, and a byte-size cap.
type LogoFetcher struct {
	client       *http.Client
	maxBytes     int64
	allowedHosts []string
	// allowPrivate disables the loopback/private-range rejection.
	// Only set from tests.
	allowPrivate bool
}

// NewLogoFetcher builds a fetcher; timeout and maxBytes of zero get
// conservative defaults.
func NewLogoFetcher(client *http.Client, maxBytes int64, allowedHosts []string) *LogoFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &LogoFetcher{client: client, maxBytes: maxBytes, allowedHosts: allowedHosts}
}

// CheckURL validates a logo URL against the safety policy: https/http
// only, no loopback, private-range, or *.local hosts, and an optional
// domain allow-list.
func (f *LogoFetcher) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse logo url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("logo url scheme %q not allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("logo url has no host")
	}
	if !f.allowPrivate {
		if host == "localhost" || strings.HasSuffix(host, ".local") {
			return fmt.Errorf("logo host %q rejected", host)
		}
		if ip := net.ParseIP(host); ip != nil {
			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				return fmt.Errorf("logo host %q is not publicly routable", host)
			}
		}
	}
	if len(f.allowedHosts) > 0 {
		allowed := false
		for _, a := range f.allowedHosts {
			a = strings.ToLower(a)
			if host == a || strings.HasSuffix(host, "."+a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("logo host %q not in allow-list", host)
		}
	}
	return nil
}

// Fetch downloads and decodes a logo image, enforcing the safety check
// and the byte cap.
func (f *LogoFetcher) Fetch(ctx context.Context, rawURL string) (image.Image, error) {
	if err := f.CheckURL(rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build logo request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch logo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch logo: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("logo too large (%d > %d bytes)", resp.ContentLength, f.maxBytes)
	}

	limited := io.LimitReader(resp.Body, f.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read logo: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("logo too large (>%d bytes)", f.maxBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode logo: %w", err)
	}
	return img, nil
}

// prepareLayer builds the composited image for one watermark spec.
func (p *Pipeline) prepareLayer(ctx context.Context, spec models.Watermark, canvasW, canvasH int) (layer, error) {
	var img image.Image
	switch spec.Type {
	case "logo":
		logo, err := p.logos.Fetch(ctx, spec.LogoURL)
		if err != nil {
			return layer{}, err
		}
		img = scaleLogo(logo, canvasW, canvasH, spec.SizePercent)
	default:
		text := spec.Text
		if text == "" {
			return layer{}, fmt.Errorf("text watermark with empty text")
		}
		sizePct := spec.SizePercent
		if sizePct <= 0 {
			sizePct = defaultTextSizePercent
		}
		rendered, err := renderText(text, float64(canvasW)*sizePct/100)
		if err != nil {
			return layer{}, err
		}
		img = rendered
	}

	bounds := img.Bounds()
	at := PlaceLayer(canvasW, canvasH, bounds.Dx(), bounds.Dy(), spec.Position, spec.MarginPercent)
	return layer{img: img, at: at, opacity: spec.Opacity}, nil
}

// scaleLogo resizes a logo to the requested percentage of canvas width,
// preserving aspect ratio and alpha, then shrinks further if it would
// overflow the canvas vertically.
func scaleLogo(logo image.Image, canvasW, canvasH int, sizePercent float64) image.Image {
	if sizePercent <= 0 {
		sizePercent = defaultLogoSizePercent
	}
	targetW := int(float64(canvasW) * sizePercent / 100)
	if targetW < 1 {
		targetW = 1
	}
	if targetW > canvasW {
		targetW = canvasW
	}
	scaled := imaging.Resize(logo, targetW, 0, imaging.Lanczos)
	if scaled.Bounds().Dy() > canvasH {
		scaled = imaging.Resize(logo, 0, canvasH, imaging.Lanczos)
	}
	return scaled
}

// renderText draws the watermark text as a vector layer at the given
// pixel height, so it stays crisp at any preview resolution.
func renderText(text string, sizePx float64) (*image.NRGBA, error) {
	f, err := loadFont()
	if err != nil {
		return nil, fmt.Errorf("load watermark font: %w", err)
	}
	if sizePx < 8 {
		sizePx = 8
	}
	face := truetype.NewFace(f, &truetype.Options{Size: sizePx, DPI: 72, Hinting: font.HintingFull})
	defer face.Close()

	metrics := face.Metrics()
	width := font.MeasureString(face, text).Ceil()
	ascent := metrics.Ascent.Ceil()
	height := ascent + metrics.Descent.Ceil()
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("empty rendered text")
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(0, ascent),
	}
	drawer.DrawString(text)
	return dst, nil
}
