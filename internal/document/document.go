// Package document turns uploaded documents into paragraphs of plain text.
//
// Every supported format is first rendered to HTML so one text extractor
// serves them all: DOCX via its WordprocessingML body, HTML as is, and plain
// text by blank-line paragraphs. PDF files are recognized for their page count
// but carry no extractable body.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ErrUnsupported indicates a format the extractor cannot render.
var ErrUnsupported = errors.New("unsupported document format")

// Format identifies a document encoding.
type Format string

const (
	FormatDOCX    Format = "docx"
	FormatHTML    Format = "html"
	FormatText    Format = "text"
	FormatPDF     Format = "pdf"
	FormatUnknown Format = "unknown"
)

const (
	ContentTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	ContentTypeHTML = "text/html"
	ContentTypeText = "text/plain"
	ContentTypePDF  = "application/pdf"
)

// Detect picks the format from the file extension, then the declared
// content type, then the content itself.
func Detect(name, contentType string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".docx":
		return FormatDOCX
	case ".html", ".htm", ".xhtml":
		return FormatHTML
	case ".txt", ".text", ".md":
		return FormatText
	case ".pdf":
		return FormatPDF
	}
	if format := formatOf(contentType); format != FormatUnknown {
		return format
	}
	return formatOf(http.DetectContentType(data))
}

func formatOf(contentType string) Format {
	mediaType, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	switch strings.TrimSpace(mediaType) {
	case ContentTypeDOCX:
		return FormatDOCX
	case ContentTypeHTML, "application/xhtml+xml":
		return FormatHTML
	case ContentTypeText, "text/markdown":
		return FormatText
	case ContentTypePDF:
		return FormatPDF
	default:
		return FormatUnknown
	}
}

// ToHTML renders data as an HTML fragment.
func ToHTML(format Format, data []byte) (string, error) {
	switch format {
	case FormatDOCX:
		return docxToHTML(data)
	case FormatHTML:
		return string(data), nil
	case FormatText:
		return textToHTML(string(data)), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, format)
	}
}

// Parsed is the result of Parse.
type Parsed struct {
	Format     Format
	HTML       string
	Paragraphs []string
	Words      int
}

// Parse renders a document to HTML, extracts its text and splits it into
// paragraphs.
func Parse(name, contentType string, data []byte) (*Parsed, error) {
	format := Detect(name, contentType, data)
	rendered, err := ToHTML(format, data)
	if err != nil {
		return nil, err
	}
	text, err := Text(rendered)
	if err != nil {
		return nil, err
	}
	paragraphs := Paragraphs(text)
	words := 0
	for _, p := range paragraphs {
		words += len(strings.Fields(p))
	}
	return &Parsed{Format: format, HTML: rendered, Paragraphs: paragraphs, Words: words}, nil
}

// PageCount returns the number of pages of a PDF document.
func PageCount(data []byte) (int, error) {
	count, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("count pdf pages: %w", err)
	}
	return count, nil
}
