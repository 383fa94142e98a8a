package textextract

import (
	"context"
	"errors"
	"testing"

	"github.com/planlens/plancompare/internal/core/domain"
)

type blobFake struct {
	data map[string][]byte
}

func (f *blobFake) PutBlob(context.Context, []byte) (string, error) {
	return "", errors.New("not implemented")
}

func (f *blobFake) GetBlob(_ context.Context, ref string) ([]byte, error) {
	data, ok := f.data[ref]
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "get blob", errors.New("unknown ref"))
	}
	return data, nil
}

func TestExtractPagesSkipsRasterFormats(t *testing.T) {
	blobs := &blobFake{data: map[string][]byte{
		"scan-1": {0x89, 'P', 'N', 'G', 0x0D, 0x0A},
	}}
	ex := NewExtractor(blobs)

	pages, err := ex.ExtractPages(context.Background(), "scan-1")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if pages != nil {
		t.Fatalf("raster input must yield no text pages, got %v", pages)
	}
}

func TestExtractPagesCorruptPDF(t *testing.T) {
	blobs := &blobFake{data: map[string][]byte{
		"doc-1": []byte("%PDF-1.7 this is not really a pdf"),
	}}
	ex := NewExtractor(blobs)

	_, err := ex.ExtractPages(context.Background(), "doc-1")
	if !domain.IsKind(err, domain.ErrCorruptDocument) {
		t.Fatalf("expected corrupt document, got %v", err)
	}
}

func TestExtractPagesUnknownRef(t *testing.T) {
	ex := NewExtractor(&blobFake{})

	_, err := ex.ExtractPages(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error for unknown ref")
	}
}
