package font

import (
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// asciiGlyphCount bounds the codepoints rasterized from a basicfont.Face;
// the consoles that consume Font.Data only ever address glyphs by raw byte
// value, so there is no point rasterizing beyond the 7-bit ASCII range.
const asciiGlyphCount = 128

// FromBasicFont rasterizes a golang.org/x/image/font/basicfont.Face into the
// packed 1bpp-per-pixel bitmap format VesaFbConsole expects, registers the result under name and returns it. Console glyph
// lookups are a byte index into Font.Data, so this only needs to run once at
// boot rather than on every console Write.
func FromBasicFont(name string, face *basicfont.Face, recommendedWidth, recommendedHeight, priority uint32) *Font {
	var (
		width       = uint32(face.Width)
		height      = uint32(face.Height)
		bytesPerRow = (width + 7) / 8
		data        = make([]byte, asciiGlyphCount*bytesPerRow*height)
	)

	for ch := rune(0); ch < asciiGlyphCount; ch++ {
		dr, mask, maskp, _, ok := face.Glyph(fixed.P(0, face.Ascent), ch)
		if !ok {
			continue
		}

		glyphOffset := uint32(ch) * bytesPerRow * height
		for y := 0; y < dr.Dy(); y++ {
			rowOffset := glyphOffset + uint32(y)*bytesPerRow
			for x := 0; x < dr.Dx(); x++ {
				_, _, _, a := mask.At(maskp.X+x, maskp.Y+y).RGBA()
				if a == 0 {
					continue
				}

				data[rowOffset+uint32(x/8)] |= 1 << uint(7-(x%8))
			}
		}
	}

	f := &Font{
		Name:              name,
		GlyphWidth:        width,
		GlyphHeight:       height,
		RecommendedWidth:  recommendedWidth,
		RecommendedHeight: recommendedHeight,
		Priority:          priority,
		BytesPerRow:       bytesPerRow,
		Data:              data,
	}

	availableFonts = append(availableFonts, f)
	return f
}

func init() {
	// basicfont.Face7x13 is the only font shipped with the kernel; it
	// becomes the default pick for any VESA framebuffer console until a
	// higher-priority or better-fitting font is registered.
	FromBasicFont("basicfont7x13", basicfont.Face7x13, 640, 480, 0)
}
