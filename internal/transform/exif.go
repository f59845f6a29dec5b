package transform

import (
	"bytes"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// ExtractExif reads EXIF metadata from raw image bytes into a flat map
// of tag name to printable value, already sanitized. Images without
// EXIF yield an empty map, not an error.
func ExtractExif(raw []byte) map[string]any {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return map[string]any{}
	}
	collector := &tagCollector{fields: make(map[string]any)}
	_ = x.Walk(collector)
	return SanitizeMetadata(collector.fields)
}

type tagCollector struct {
	fields map[string]any
}

func (c *tagCollector) Walk(name exif.FieldName, tag *tiff.Tag) error {
	val := tag.String()
	val = strings.Trim(val, `"`)
	c.fields[string(name)] = val
	return nil
}

// SanitizeMetadata strips all GPS fields unconditionally and scrubs
// embedded NUL characters from every string, recursing through arrays
// and nested maps. The metadata store cannot persist NUL bytes in
// text/JSON columns.
func SanitizeMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for key, val := range meta {
		if strings.HasPrefix(key, "GPS") {
			continue
		}
		out[scrubNUL(key)] = sanitizeValue(val)
	}
	return out
}

func sanitizeValue(val any) any {
	switch v := val.(type) {
	case string:
		return scrubNUL(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	case map[string]any:
		return SanitizeMetadata(v)
	default:
		return val
	}
}

func scrubNUL(s string) string {
	if !strings.ContainsRune(s, '\x00') {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// exifTimeLayouts cover the EXIF datetime convention and its
// subsecond variant.
var exifTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006:01:02 15:04:05.000",
	"2006:01:02 15:04:05",
}

// ParseCaptureTime normalizes a capture timestamp that may already be
// ISO8601 or may use the EXIF "YYYY:MM:DD HH:MM:SS[.fff]" convention.
// Unparsable input falls back to now.
func ParseCaptureTime(value string, now time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return now
	}
	for _, layout := range exifTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return now
}

// CaptureTimeFromExif pulls the best available capture timestamp out of
// a sanitized EXIF map.
func CaptureTimeFromExif(meta map[string]any, now time.Time) time.Time {
	for _, key := range []string{"DateTimeOriginal", "DateTimeDigitized", "DateTime"} {
		if v, ok := meta[key].(string); ok && v != "" {
			if t := ParseCaptureTime(v, time.Time{}); !t.IsZero() {
				return t
			}
		}
	}
	return now
}
