package core

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/go-pdf/fpdf"
)

const (
	DefaultLabelWidthMM = 56.0

	pointsPerInch = 72.0
	mmPerInch     = 25.4

	watermarkFont      = "Helvetica"
	watermarkSizeRatio = 0.1
	watermarkOpacity   = 0.3
	watermarkGray      = 204

	// Helvetica AFM ascender and descender, in 1/1000 em.
	helveticaAscent  = 718.0
	helveticaDescent = -207.0

	imageName = "label"
)

// Document is a print-ready PDF sized to the physical label.
type Document struct {
	PDF []byte
	// Source is the raster the PDF was built from; raw-language backends
	// rasterize from it directly.
	Source      []byte
	Format      string
	WidthPt     float64
	HeightPt    float64
	ImageWidth  int
	ImageHeight int
	Watermark   *WatermarkPlacement
}

// WatermarkPlacement records where the watermark text was drawn. X and Y are
// offsets of the text box from the bottom-left page corner.
type WatermarkPlacement struct {
	Text       string
	FontSize   float64
	TextWidth  float64
	TextHeight float64
	X          float64
	Y          float64
}

// LabelHeightMM is the label height, rounded to whole millimetres, for a
// label widthMM wide with this document's aspect ratio.
func (d *Document) LabelHeightMM(widthMM float64) int {
	if d == nil || d.ImageWidth == 0 {
		return 0
	}
	return int(math.Round(widthMM * float64(d.ImageHeight) / float64(d.ImageWidth)))
}

type Renderer struct {
	labelWidthMM float64
}

func NewRenderer(labelWidthMM float64) *Renderer {
	if labelWidthMM <= 0 {
		labelWidthMM = DefaultLabelWidthMM
	}
	return &Renderer{labelWidthMM: labelWidthMM}
}

func (r *Renderer) LabelWidthMM() float64 {
	return r.labelWidthMM
}

// PageWidthPoints is the fixed page width in PDF points.
func (r *Renderer) PageWidthPoints() float64 {
	return mmToPoints(r.labelWidthMM)
}

func (r *Renderer) Render(img []byte, watermark string) (*Document, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrRender, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: image has no pixels (%dx%d)", ErrRender, cfg.Width, cfg.Height)
	}

	width := r.PageWidthPoints()
	height := width * (float64(cfg.Height) / float64(cfg.Width))

	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: width, Ht: height},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCreator("instalabel", true)
	pdf.AddPage()

	opts := fpdf.ImageOptions{ImageType: pdfImageType(format), ReadDpi: false}
	pdf.RegisterImageOptionsReader(imageName, opts, bytes.NewReader(img))
	pdf.ImageOptions(imageName, 0, 0, width, height, false, opts, 0, "")

	doc := &Document{
		Source:      img,
		Format:      format,
		WidthPt:     width,
		HeightPt:    height,
		ImageWidth:  cfg.Width,
		ImageHeight: cfg.Height,
	}

	if watermark != "" {
		doc.Watermark = drawWatermark(pdf, watermark, width, height)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: write pdf: %v", ErrRender, err)
	}
	doc.PDF = buf.Bytes()

	return doc, nil
}

func drawWatermark(pdf *fpdf.Fpdf, text string, width, height float64) *WatermarkPlacement {
	size := math.Min(width, height) * watermarkSizeRatio
	pdf.SetFont(watermarkFont, "", size)

	encoded := pdf.UnicodeTranslatorFromDescriptor("")(text)
	textWidth := pdf.GetStringWidth(encoded)
	textHeight := (helveticaAscent - helveticaDescent) / 1000 * size

	placement := &WatermarkPlacement{
		Text:       text,
		FontSize:   size,
		TextWidth:  textWidth,
		TextHeight: textHeight,
		X:          (width - textWidth) / 2,
		Y:          (height - textHeight) / 2,
	}

	pdf.SetAlpha(watermarkOpacity, "Normal")
	pdf.SetTextColor(watermarkGray, watermarkGray, watermarkGray)
	// fpdf measures y from the top edge to the baseline.
	pdf.Text(placement.X, height-placement.Y, encoded)
	pdf.SetAlpha(1, "Normal")

	return placement
}

func pdfImageType(format string) string {
	switch format {
	case "jpeg":
		return "JPG"
	case "gif":
		return "GIF"
	default:
		return "PNG"
	}
}

func mmToPoints(mm float64) float64 {
	return mm * pointsPerInch / mmPerInch
}
