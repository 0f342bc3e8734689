package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
)

const docxBody = "word/document.xml"

// docxToHTML renders the paragraphs of a WordprocessingML body. Heading
// styles become <h1>..<h6>; everything else becomes <p>.
func docxToHTML(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBody {
			body = f
			break
		}
	}
	if body == nil {
		return "", fmt.Errorf("open docx: %s missing", docxBody)
	}
	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", docxBody, err)
	}
	defer rc.Close()

	var (
		out     strings.Builder
		para    strings.Builder
		style   string
		inText  bool
		inPara  bool
		decoder = xml.NewDecoder(rc)
	)
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", docxBody, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara = true
				para.Reset()
				style = ""
			case "pStyle":
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						style = attr.Value
					}
				}
			case "t":
				inText = true
			case "tab":
				if inPara {
					para.WriteString("\t")
				}
			case "br", "cr":
				if inPara {
					para.WriteString("\n")
				}
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				inPara = false
				writeBlock(&out, headingTag(style), para.String())
			}
		}
	}
	return out.String(), nil
}

func headingTag(style string) string {
	lower := strings.ToLower(style)
	if lower == "title" {
		return "h1"
	}
	if rest, ok := strings.CutPrefix(lower, "heading"); ok && len(rest) == 1 && rest[0] >= '1' && rest[0] <= '6' {
		return "h" + rest
	}
	return "p"
}

func writeBlock(out *strings.Builder, tag, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	escaped := strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
	fmt.Fprintf(out, "<%s>%s</%s>\n", tag, escaped, tag)
}

func textToHTML(text string) string {
	var out strings.Builder
	for _, block := range splitBlocks(strings.ReplaceAll(text, "\r\n", "\n")) {
		writeBlock(&out, "p", block)
	}
	return out.String()
}
