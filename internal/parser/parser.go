package parser

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pdf-rag/internal/helper"
	"pdf-rag/internal/models"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
)

var ErrNotPDF = errors.New("file is not a PDF")

// IsPDF reports whether data starts with the PDF magic header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte(models.PDFHeader))
}

// LoadPDFBytes writes data to a scratch file, parses it and removes the file.
// name is recorded as the Source of every page.
func LoadPDFBytes(name string, data []byte) ([]models.Page, error) {
	if !IsPDF(data) {
		return nil, ErrNotPDF
	}
	path, err := helper.WriteScratchFile(data, ".pdf")
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	pages, err := LoadPDF(path)
	if err != nil {
		return nil, err
	}
	for i := range pages {
		pages[i].Source = name
	}
	return pages, nil
}

// LoadPDF returns one page record per PDF page, in document order. Pages
// without extractable text are kept with an empty Text.
func LoadPDF(filePath string) (pages []models.Page, err error) {
	// the pdf package panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	source := filepath.Base(filePath)
	numPages := reader.NumPage()
	if numPages == 0 {
		return nil, errors.New("pdf has no pages")
	}
	pages = make([]models.Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		var text string
		if !page.V.IsNull() {
			text, err = page.GetPlainText(nil)
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", i, err)
			}
		}
		pages = append(pages, models.Page{
			Number: i,
			Source: source,
			Text:   normalizeText(text),
		})
	}
	log.Debug().Str("file", source).Int("pages", len(pages)).Msg("Parsed pdf")
	return pages, nil
}

// normalizeText collapses runs of blank lines and trims each line.
func normalizeText(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
