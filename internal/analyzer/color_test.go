package analyzer

import (
	"image/color"
	"testing"
)

func TestParseHexColor(t *testing.T) {
	cases := map[string]color.RGBA{
		"#00ff00":   {G: 0xff, A: 0xff},
		"ffffff":    {R: 0xff, G: 0xff, B: 0xff, A: 0xff},
		"#10203040": {R: 0x10, G: 0x20, B: 0x30, A: 0x40},
	}
	for in, want := range cases {
		got, err := ParseHexColor(in)
		if err != nil {
			t.Fatalf("ParseHexColor(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseHexColor(%q) = %v, want %v", in, got, want)
		}
	}

	for _, bad := range []string{"", "#fff", "#zzzzzz"} {
		if _, err := ParseHexColor(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestHexColor(t *testing.T) {
	if got := HexColor(color.RGBA{G: 0xff, A: 0xff}); got != "#00ff00" {
		t.Fatalf("unexpected opaque format %q", got)
	}
	if got := HexColor(color.RGBA{R: 1, G: 2, B: 3, A: 4}); got != "#01020304" {
		t.Fatalf("unexpected translucent format %q", got)
	}
}
