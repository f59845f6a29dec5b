package transform

import (
	"strings"
	"testing"
	"time"
)

func TestSanitizeStripsGPS(t *testing.T) {
	meta := map[string]any{
		"Make":         "TestCam",
		"GPSLatitude":  "51/1",
		"GPSLongitude": "9/1",
		"GPSAltitude":  "120/1",
	}
	out := SanitizeMetadata(meta)
	for key := range out {
		if strings.HasPrefix(key, "GPS") {
			t.Fatalf("GPS field %q survived sanitization", key)
		}
	}
	if out["Make"] != "TestCam" {
		t.Fatalf("non-GPS field lost: %v", out)
	}
}

func TestSanitizeScrubsNUL(t *testing.T) {
	meta := map[string]any{
		"Software": "edi\x00tor\x00",
		"Keywords": []any{"a\x00b", "plain"},
		"Nested":   map[string]any{"Comment": "x\x00y"},
	}
	out := SanitizeMetadata(meta)

	sw := out["Software"].(string)
	if strings.ContainsRune(sw, '\x00') {
		t.Fatalf("NUL survived: %q", sw)
	}
	if sw != "editor" {
		t.Fatalf("scrub should be byte-identical outside stripped positions, got %q", sw)
	}
	if kw := out["Keywords"].([]any); kw[0].(string) != "ab" || kw[1].(string) != "plain" {
		t.Fatalf("array scrub wrong: %v", kw)
	}
	if nested := out["Nested"].(map[string]any); nested["Comment"].(string) != "xy" {
		t.Fatalf("nested scrub wrong: %v", nested)
	}
}

func TestParseCaptureTime(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		in   string
		want time.Time
	}{
		{"2023:07:14 09:30:15", time.Date(2023, 7, 14, 9, 30, 15, 0, time.UTC)},
		{"2023:07:14 09:30:15.250", time.Date(2023, 7, 14, 9, 30, 15, 250_000_000, time.UTC)},
		{"2023-07-14T09:30:15Z", time.Date(2023, 7, 14, 9, 30, 15, 0, time.UTC)},
		{"not a timestamp", now},
		{"", now},
	}
	for _, tc := range cases {
		got := ParseCaptureTime(tc.in, now)
		if !got.Equal(tc.want) {
			t.Fatalf("ParseCaptureTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCaptureTimeFromExif(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	meta := map[string]any{"DateTimeOriginal": "2022:01:02 03:04:05"}
	got := CaptureTimeFromExif(meta, now)
	if got.Year() != 2022 {
		t.Fatalf("expected DateTimeOriginal to win, got %v", got)
	}

	if got := CaptureTimeFromExif(map[string]any{}, now); !got.Equal(now) {
		t.Fatalf("expected fallback to now, got %v", got)
	}
}

func TestExtractExifToleratesMissingData(t *testing.T) {
	meta := ExtractExif([]byte("definitely not a jpeg"))
	if meta == nil || len(meta) != 0 {
		t.Fatalf("expected empty map for non-EXIF bytes, got %v", meta)
	}
}
