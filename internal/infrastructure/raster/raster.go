package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/gen2brain/go-fitz"

	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/core/ports"
)

// pageSource is an open document that can render individual pages. The
// production implementation wraps a MuPDF document; tests substitute a fake.
type pageSource interface {
	NumPage() int
	ImageDPI(pageIndex int, dpi float64) (image.Image, error)
	Close() error
}

type fitzSource struct {
	doc *fitz.Document
}

func (s fitzSource) NumPage() int { return s.doc.NumPage() }

func (s fitzSource) ImageDPI(pageIndex int, dpi float64) (image.Image, error) {
	return s.doc.ImageDPI(pageIndex, dpi)
}

func (s fitzSource) Close() error { return s.doc.Close() }

func openFitz(data []byte) (pageSource, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return fitzSource{doc: doc}, nil
}

// Rasterizer renders one page of a stored document at a time via MuPDF.
// It keeps at most one open document (the compressed source, not page
// bitmaps) and materializes exactly one page bitmap per Rasterize call.
// Before decoding it checks heap usage against a configured ceiling and
// fails with domain.ErrResourceExhausted instead of letting the host kill
// the process.
type Rasterizer struct {
	blobs         ports.ObjectStorage
	heapCeiling   uint64
	observeHeap   func(uint64)
	observeRender func(error)
	openDoc       func([]byte) (pageSource, error)

	mu        sync.Mutex
	cachedRef string
	cachedDoc pageSource
}

type Option func(*Rasterizer)

// WithHeapObserver registers a callback receiving the heap size sampled at
// each memory check, for metrics.
func WithHeapObserver(fn func(uint64)) Option {
	return func(r *Rasterizer) {
		r.observeHeap = fn
	}
}

// WithRenderObserver registers a callback invoked once per page render
// attempt with its outcome, for metrics.
func WithRenderObserver(fn func(error)) Option {
	return func(r *Rasterizer) {
		r.observeRender = fn
	}
}

func New(blobs ports.ObjectStorage, memoryCeilingMB int, opts ...Option) *Rasterizer {
	if memoryCeilingMB <= 0 {
		memoryCeilingMB = 1024
	}
	r := &Rasterizer{
		blobs:       blobs,
		heapCeiling: uint64(memoryCeilingMB) * 1024 * 1024,
		openDoc:     openFitz,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rasterizer) PageCount(ctx context.Context, documentRef string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.open(ctx, documentRef)
	if err != nil {
		return 0, err
	}
	return doc.NumPage(), nil
}

func (r *Rasterizer) Rasterize(ctx context.Context, documentRef string, pageIndex int, dpi float64) (*domain.RasterPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.checkMemory(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.open(ctx, documentRef)
	if err != nil {
		return nil, err
	}
	if pageIndex < 0 || pageIndex >= doc.NumPage() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "rasterize",
			fmt.Errorf("page %d out of range [0,%d)", pageIndex, doc.NumPage()))
	}

	img, err := doc.ImageDPI(pageIndex, dpi)
	if r.observeRender != nil {
		r.observeRender(err)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrCorruptDocument, "rasterize",
			fmt.Errorf("render page %d: %w", pageIndex, err))
	}

	// Grayscale is all downstream consumers need; converting here lets the
	// RGBA decode buffer die with this frame.
	gray := toGray(img)

	return &domain.RasterPage{
		DocumentRef: documentRef,
		PageIndex:   pageIndex,
		DPI:         dpi,
		Pixels:      gray,
	}, nil
}

// open returns the cached document or fetches and opens a new one, closing
// the previous. Holding only the most recent document bounds memory while a
// stage walks a document page by page.
func (r *Rasterizer) open(ctx context.Context, documentRef string) (pageSource, error) {
	if r.cachedDoc != nil && r.cachedRef == documentRef {
		return r.cachedDoc, nil
	}
	if r.cachedDoc != nil {
		_ = r.cachedDoc.Close()
		r.cachedDoc = nil
		r.cachedRef = ""
	}

	data, err := r.blobs.GetBlob(ctx, documentRef)
	if err != nil {
		return nil, fmt.Errorf("fetch document blob: %w", err)
	}
	if err := sniffFormat(data); err != nil {
		return nil, err
	}

	doc, err := r.openDoc(data)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCorruptDocument, "open document", err)
	}
	if doc.NumPage() == 0 {
		_ = doc.Close()
		return nil, domain.WrapError(domain.ErrCorruptDocument, "open document", fmt.Errorf("no pages"))
	}

	r.cachedDoc = doc
	r.cachedRef = documentRef
	return doc, nil
}

func (r *Rasterizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cachedDoc != nil {
		err := r.cachedDoc.Close()
		r.cachedDoc = nil
		r.cachedRef = ""
		return err
	}
	return nil
}

func (r *Rasterizer) checkMemory() error {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if r.observeHeap != nil {
		r.observeHeap(stats.HeapAlloc)
	}
	if stats.HeapAlloc > r.heapCeiling {
		return domain.WrapError(domain.ErrResourceExhausted, "rasterize",
			fmt.Errorf("heap %d bytes exceeds ceiling %d", stats.HeapAlloc, r.heapCeiling))
	}
	return nil
}

var supportedMagics = [][]byte{
	[]byte("%PDF"),
	{0x89, 'P', 'N', 'G'},
	{0xFF, 0xD8, 0xFF},
}

func sniffFormat(data []byte) error {
	for _, magic := range supportedMagics {
		if bytes.HasPrefix(data, magic) {
			return nil
		}
	}
	return domain.WrapError(domain.ErrUnsupportedFormat, "open document",
		fmt.Errorf("unrecognized leading bytes"))
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray
}
