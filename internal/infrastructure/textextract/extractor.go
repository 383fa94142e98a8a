package textextract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/core/ports"
)

// Extractor pulls the embedded text layer of a stored PDF, one string per
// page. Drawings without a text layer yield empty page entries; recognizing
// scanned glyphs from pixels is outside this service's scope.
type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) ExtractPages(ctx context.Context, documentRef string) ([]string, error) {
	raw, err := e.storage.GetBlob(ctx, documentRef)
	if err != nil {
		return nil, fmt.Errorf("fetch source document: %w", err)
	}

	if !bytes.HasPrefix(raw, []byte("%PDF")) {
		// Raster-only formats carry no text layer.
		return nil, nil
	}

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, domain.WrapError(domain.ErrCorruptDocument, "parse pdf", err)
	}

	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single malformed content stream should not sink the whole
			// document; record the page as empty.
			pages = append(pages, "")
			continue
		}
		pages = append(pages, strings.TrimSpace(text))
	}
	return pages, nil
}
