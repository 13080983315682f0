package upload

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

const maxPDFPages = 500

// extractText extracts text per spec §4.5: PDFs via a streaming page
// extractor, notebooks by concatenating cell sources, everything else
// via a fallback encoding chain.
func extractText(ext string, data []byte) (string, error) {
	switch ext {
	case ".pdf":
		return extractPDF(data)
	case ".ipynb":
		return extractNotebook(data)
	default:
		return decodeText(data), nil
	}
}

func extractPDF(data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "upload-*.pdf")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Write(data); err != nil {
		return "", err
	}

	file, reader, err := pdf.Open(tmp.Name())
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	total := reader.NumPage()
	if total > maxPDFPages {
		total = maxPDFPages
	}
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

type notebookCell struct {
	CellType string      `json:"cell_type"`
	Source   interface{} `json:"source"`
}

type notebook struct {
	Cells []notebookCell `json:"cells"`
}

func extractNotebook(data []byte) (string, error) {
	var nb notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return "", fmt.Errorf("parse notebook: %w", err)
	}
	var sb strings.Builder
	for _, cell := range nb.Cells {
		switch src := cell.Source.(type) {
		case string:
			sb.WriteString(src)
		case []interface{}:
			for _, line := range src {
				if s, ok := line.(string); ok {
					sb.WriteString(s)
				}
			}
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// decodeText tries utf-8, utf-16, latin-1, then falls back to utf-8 with
// invalid sequences replaced, per spec §4.5's encoding chain.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	if s, ok := tryUTF16(data); ok {
		return s
	}
	return tryLatin1(data)
}

func tryUTF16(data []byte) (string, bool) {
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	out, err := decoder.Bytes(data)
	if err != nil {
		return "", false
	}
	return string(out), true
}

func tryLatin1(data []byte) string {
	decoder := charmap.ISO8859_1.NewDecoder()
	out, err := decoder.Bytes(data)
	if err != nil {
		return decodeReplacement(data)
	}
	return string(out)
}

func decodeReplacement(data []byte) string {
	var sb strings.Builder
	for _, b := range data {
		if b < 0x80 {
			sb.WriteByte(b)
		} else {
			sb.WriteRune('�')
		}
	}
	return sb.String()
}
