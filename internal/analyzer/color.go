package analyzer

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// HexColor formats c as #RRGGBB, or #RRGGBBAA when it is not opaque.
func HexColor(c color.RGBA) string {
	if c.A == 0xff {
		return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
	}
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

// ParseHexColor accepts #RRGGBB and #RRGGBBAA, with or without the '#'.
func ParseHexColor(s string) (color.RGBA, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(raw) != 6 && len(raw) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	if len(raw) == 6 {
		raw += "ff"
	}
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
