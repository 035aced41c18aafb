package core

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"strconv"
)

const (
	DefaultDPI = 203

	// Pixels darker than this (0-255 luminance) become printed dots.
	bitmapThreshold = 128
)

// TSPL2Generator rasterizes a label image into a TSPL2 BITMAP program for
// printers that speak the raw language over a socket.
type TSPL2Generator struct {
	dpi   int
	gapMM float64
}

func NewTSPL2Generator(dpi int, gapMM float64) *TSPL2Generator {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	if gapMM < 0 {
		gapMM = 0
	}
	return &TSPL2Generator{dpi: dpi, gapMM: gapMM}
}

// Generate scales img to widthMM at the generator's resolution and returns the
// complete program, ending with PRINT.
func (g *TSPL2Generator) Generate(img []byte, widthMM float64, copies int) ([]byte, error) {
	if copies <= 0 {
		copies = 1
	}

	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrRender, err)
	}
	bounds := src.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrRender)
	}

	widthDots := mmToDots(widthMM, g.dpi)
	if widthDots <= 0 {
		return nil, fmt.Errorf("%w: label width %v mm is below one dot", ErrRender, widthMM)
	}
	heightDots := int(math.Round(float64(widthDots) * float64(bounds.Dy()) / float64(bounds.Dx())))
	if heightDots < 1 {
		heightDots = 1
	}
	heightMM := widthMM * float64(bounds.Dy()) / float64(bounds.Dx())

	widthBytes := (widthDots + 7) / 8
	data := rasterize(src, widthDots, heightDots, widthBytes)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "SIZE %s mm, %s mm\n", formatMM(widthMM), formatMM(heightMM))
	fmt.Fprintf(&buf, "GAP %s mm, 0 mm\n", formatMM(g.gapMM))
	buf.WriteString("DIRECTION 0\n")
	buf.WriteString("CLS\n")
	fmt.Fprintf(&buf, "BITMAP 0,0,%d,%d,0,", widthBytes, heightDots)
	buf.Write(data)
	buf.WriteString("\n")
	fmt.Fprintf(&buf, "PRINT 1,%d\n", copies)

	return buf.Bytes(), nil
}

// rasterize samples src (nearest neighbour) into a 1-bit bitmap where a 0 bit
// is a printed dot. Transparent pixels are treated as white paper.
func rasterize(src image.Image, widthDots, heightDots, widthBytes int) []byte {
	bounds := src.Bounds()
	data := make([]byte, widthBytes*heightDots)
	for i := range data {
		data[i] = 0xFF
	}

	for y := 0; y < heightDots; y++ {
		sy := bounds.Min.Y + y*bounds.Dy()/heightDots
		for x := 0; x < widthDots; x++ {
			sx := bounds.Min.X + x*bounds.Dx()/widthDots
			if isDark(src.At(sx, sy).RGBA()) {
				data[y*widthBytes+x/8] &^= 0x80 >> uint(x%8)
			}
		}
	}
	return data
}

// isDark composites a premultiplied pixel over white and thresholds its
// luminance.
func isDark(r, g, b, a uint32) bool {
	paper := 0xFFFF - a
	r += paper
	g += paper
	b += paper
	lum := (299*r + 587*g + 114*b) / 1000
	return lum>>8 < bitmapThreshold
}

func mmToDots(mm float64, dpi int) int {
	dotsPerMM := float64(dpi) / 25.4
	return int(mm * dotsPerMM)
}

func formatMM(mm float64) string {
	return strconv.FormatFloat(math.Round(mm*100)/100, 'f', -1, 64)
}
