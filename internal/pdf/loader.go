package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tmc/langchaingo/documentloaders"

	"pdfrag/internal/text"
)

var (
	ErrNotPDF   = errors.New("file is not a PDF document")
	ErrNoPages  = errors.New("PDF document has no pages")
	ErrUnparsed = errors.New("PDF document could not be parsed")
)

var pdfMagic = []byte("%PDF-")

// Loader reads PDF files from local storage and extracts per-page text.
type Loader struct {
	password string
}

type Option func(*Loader)

func WithPassword(password string) Option {
	return func(l *Loader) { l.password = password }
}

func NewLoader(opts ...Option) *Loader {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the pages of the PDF at path in page order.
func (l *Loader) Load(ctx context.Context, path string) (pages []text.Page, err error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the ingestion job written by the upload handler
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotPDF)
	}

	header := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(f, header); err != nil || !bytes.Equal(header, pdfMagic) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotPDF)
	}

	// The underlying parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: %v", ErrUnparsed, r)
		}
	}()

	loader := documentloaders.NewPDF(f, info.Size(), documentloaders.WithPassword(l.password))
	docs, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsed, err)
	}
	if len(docs) == 0 {
		return nil, ErrNoPages
	}

	pages = make([]text.Page, 0, len(docs))
	for i, d := range docs {
		p := text.Page{
			Number:     i + 1,
			TotalPages: len(docs),
			Text:       d.PageContent,
		}
		if n, ok := d.Metadata["page"].(int); ok {
			p.Number = n
		}
		if n, ok := d.Metadata["total_pages"].(int); ok {
			p.TotalPages = n
		}
		pages = append(pages, p)
	}

	slog.DebugContext(ctx, "pdf loaded", "path", path, "pages", len(pages))
	return pages, nil
}
