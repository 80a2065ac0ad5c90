// renderer/rgb.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package renderer

///////////////////////////////////////////////////////////////////////////
// RGB

type RGB struct {
	R, G, B float32
}

type RGBA struct {
	R, G, B, A float32
}

func lerp(x, a, b float32) float32 {
	return (1-x)*a + x*b
}

func LerpRGBA(x float32, a, b RGBA) RGBA {
	return RGBA{R: lerp(x, a.R, b.R), G: lerp(x, a.G, b.G), B: lerp(x, a.B, b.B), A: lerp(x, a.A, b.A)}
}

func (r RGB) Scale(v float32) RGB {
	return RGB{R: r.R * v, G: r.G * v, B: r.B * v}
}

// RGBFromHex converts a packed integer color value to an RGB where the low
// 8 bits give blue, the next 8 give green, and then the next 8 give red.
func RGBFromHex(c int) RGB {
	r, g, b := (c>>16)&255, (c>>8)&255, c&255
	return RGB{R: float32(r) / 255, G: float32(g) / 255, B: float32(b) / 255}
}

func RGBAFromRGB(c RGB, a float32) RGBA {
	return RGBA{R: c.R, G: c.G, B: c.B, A: a}
}

// Packed returns the color as 8-bit RGBA packed into a uint32 with red in
// the low byte, matching the layout ReadPixels returns.
func (c RGBA) Packed() uint32 {
	q := func(v float32) uint32 {
		return uint32(min(max(v, 0), 1)*255 + 0.5)
	}
	return q(c.R) | q(c.G)<<8 | q(c.B)<<16 | q(c.A)<<24
}
