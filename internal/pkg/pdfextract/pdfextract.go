package pdfextract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var ErrNoPages = errors.New("pdf has no pages")

// Page is the plain text of one PDF page. Number starts at 1.
type Page struct {
	Number int
	Text   string
}

// Validate checks that path is a structurally readable PDF.
func Validate(path string) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, conf); err != nil {
		return fmt.Errorf("validate pdf failed: %w", err)
	}
	return nil
}

// ExtractPages returns the text of every page in order. Pages without
// extractable text are returned with empty Text so numbering stays aligned.
func ExtractPages(path string) (pages []Page, err error) {
	defer func() {
		// ledongthuc/pdf panics on some malformed inputs.
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("extract pdf text failed: %v", r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf failed: %w", err)
	}
	defer f.Close()

	total := reader.NumPage()
	if total == 0 {
		return nil, ErrNoPages
	}

	pages = make([]Page, 0, total)
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= total; i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			pages = append(pages, Page{Number: i})
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				font := p.Font(name)
				fonts[name] = &font
			}
		}
		text, err := p.GetPlainText(fonts)
		if err != nil {
			return nil, fmt.Errorf("extract text of page %d failed: %w", i, err)
		}
		pages = append(pages, Page{Number: i, Text: strings.TrimSpace(text)})
	}
	return pages, nil
}
