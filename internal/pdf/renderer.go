package pdf

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog"
)

const (
	ErrorTitle = "Error Generating Document"

	// Hidden text the e-signature envelope anchors its tabs to.
	SignatureAnchor = "/sig1/"
	DateAnchor      = "/date1/"
)

// documentDate is stamped as creation and modification date so identical
// input renders to identical bytes.
var documentDate = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

var disableConfigDir sync.Once

// Style is the fixed page configuration. Sizes are in points.
type Style struct {
	PageSize    string
	Margin      float64
	FontFamily  string
	TitleSize   float64
	HeadingSize float64
	BodySize    float64
	LineHeight  float64
}

func DefaultStyle() Style {
	return Style{
		PageSize:    "Letter",
		Margin:      72,
		FontFamily:  "Helvetica",
		TitleSize:   18,
		HeadingSize: 14,
		BodySize:    11,
		LineHeight:  14,
	}
}

type Renderer struct {
	style  Style
	logger zerolog.Logger
}

func NewRenderer(style Style, logger zerolog.Logger) *Renderer {
	disableConfigDir.Do(api.DisableConfigDir)
	return &Renderer{
		style:  style,
		logger: logger.With().Str("component", "pdf_renderer").Logger(),
	}
}

// Render lays out title and content and always returns valid PDF bytes.
// Rendering or validation problems produce a one-page error document
// instead.
func (r *Renderer) Render(title, content string) []byte {
	out, err := r.renderValidated(func(doc *fpdf.Fpdf, tr func(string) string) {
		r.writeTitle(doc, tr, title)
		r.writeBody(doc, tr, content)
		r.writeSignatureBlock(doc, tr)
	})
	if err == nil {
		return out
	}
	r.logger.Error().Err(err).Str("title", title).Msg("rendering failed, producing error document")

	out, fallbackErr := r.renderValidated(func(doc *fpdf.Fpdf, tr func(string) string) {
		r.writeTitle(doc, tr, ErrorTitle)
		r.writeBody(doc, tr, "An error occurred while generating this document:\n"+err.Error())
	})
	if fallbackErr == nil {
		return out
	}
	r.logger.Error().Err(fallbackErr).Msg("error document failed, using minimal document")
	return minimalPDF(ErrorTitle, err.Error())
}

// PageCount returns the number of pages in a PDF.
func PageCount(pdf []byte) (int, error) {
	disableConfigDir.Do(api.DisableConfigDir)
	n, err := api.PageCount(bytes.NewReader(pdf), relaxedConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return n, nil
}

// Validate checks pdf with pdfcpu in relaxed mode.
func Validate(pdf []byte) error {
	disableConfigDir.Do(api.DisableConfigDir)
	if err := api.Validate(bytes.NewReader(pdf), relaxedConfig()); err != nil {
		return fmt.Errorf("generated PDF failed validation: %w", err)
	}
	return nil
}

func relaxedConfig() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

func (r *Renderer) renderValidated(layout func(doc *fpdf.Fpdf, tr func(string) string)) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("panic during rendering: %v", rec)
		}
	}()

	doc := r.newDocument()
	tr := doc.UnicodeTranslatorFromDescriptor("")
	doc.AddPage()
	layout(doc, tr)

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	if err := Validate(buf.Bytes()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Renderer) newDocument() *fpdf.Fpdf {
	doc := fpdf.New("P", "pt", r.style.PageSize, "")
	doc.SetMargins(r.style.Margin, r.style.Margin, r.style.Margin)
	doc.SetAutoPageBreak(true, r.style.Margin)
	doc.SetCompression(false)
	doc.SetCatalogSort(true)
	doc.SetCreationDate(documentDate)
	doc.SetModificationDate(documentDate)
	doc.SetCreator("docflow", false)
	doc.SetProducer("docflow", false)
	doc.SetFont(r.style.FontFamily, "", r.style.BodySize)
	return doc
}

func (r *Renderer) writeTitle(doc *fpdf.Fpdf, tr func(string) string, title string) {
	doc.SetTitle(title, true)
	doc.SetFont(r.style.FontFamily, "B", r.style.TitleSize)
	doc.MultiCell(0, r.style.TitleSize+4, tr(title), "", "C", false)
	doc.Ln(r.style.LineHeight)
}

// writeBody applies the line rules: "#" and "##" headings, "-" bullets,
// blank spacing and wrapped paragraphs.
func (r *Renderer) writeBody(doc *fpdf.Fpdf, tr func(string) string, content string) {
	left, _, _, _ := doc.GetMargins()
	for _, raw := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			doc.Ln(r.style.LineHeight / 2)
		case strings.HasPrefix(line, "#"):
			level := len(line) - len(strings.TrimLeft(line, "#"))
			size := r.style.HeadingSize + 2
			if level > 1 {
				size = r.style.HeadingSize
			}
			doc.Ln(r.style.LineHeight / 2)
			doc.SetFont(r.style.FontFamily, "B", size)
			doc.MultiCell(0, size+4, tr(strings.TrimSpace(strings.TrimLeft(line, "#"))), "", "L", false)
			doc.SetFont(r.style.FontFamily, "", r.style.BodySize)
		case strings.HasPrefix(line, "- "), line == "-":
			item := strings.TrimSpace(strings.TrimPrefix(line, "-"))
			doc.SetFont(r.style.FontFamily, "", r.style.BodySize)
			doc.SetX(left + 12)
			doc.MultiCell(0, r.style.LineHeight, tr("• "+item), "", "L", false)
		default:
			doc.SetFont(r.style.FontFamily, "", r.style.BodySize)
			doc.MultiCell(0, r.style.LineHeight, tr(line), "", "L", false)
		}
	}
}

// writeSignatureBlock draws the provider signature and date table. The
// anchors are printed in white inside the cells.
func (r *Renderer) writeSignatureBlock(doc *fpdf.Fpdf, tr func(string) string) {
	pageWidth, _ := doc.GetPageSize()
	left, _, right, _ := doc.GetMargins()
	width := pageWidth - left - right
	rowHeight := 40.0

	doc.Ln(r.style.LineHeight * 2)
	doc.SetFont(r.style.FontFamily, "B", r.style.BodySize)
	doc.CellFormat(width*0.6, r.style.LineHeight+6, tr("Provider Signature:"), "1", 0, "L", false, 0, "")
	doc.CellFormat(width*0.4, r.style.LineHeight+6, tr("Date:"), "1", 1, "L", false, 0, "")

	x, y := doc.GetXY()
	doc.SetFont(r.style.FontFamily, "", r.style.BodySize)
	doc.CellFormat(width*0.6, rowHeight, "", "1", 0, "L", false, 0, "")
	doc.CellFormat(width*0.4, rowHeight, "", "1", 1, "L", false, 0, "")

	doc.SetTextColor(255, 255, 255)
	doc.Text(x+6, y+rowHeight/2, SignatureAnchor)
	doc.Text(x+width*0.6+6, y+rowHeight/2, DateAnchor)
	doc.SetTextColor(0, 0, 0)
}

// minimalPDF hand-assembles a one-page document with Helvetica text lines.
// It is the last resort when the layout engine itself cannot produce output.
func minimalPDF(title, message string) []byte {
	var stream bytes.Buffer
	stream.WriteString("BT /F1 18 Tf 72 700 Td (" + escapePDFText(title) + ") Tj ET\n")
	if message != "" {
		stream.WriteString("BT /F1 11 Tf 72 670 Td (" + escapePDFText(message) + ") Tj ET\n")
	}

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", stream.Len(), stream.String()),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func escapePDFText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\\' || r == '(' || r == ')':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 0x20 || r > 0x7e:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
