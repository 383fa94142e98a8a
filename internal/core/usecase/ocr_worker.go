package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/core/ports"
)

// OCRWorker executes one OCR stage: it walks every page of one stored
// document, rasterizing a single page at a time, pairs each page with its
// extracted text layer, and persists the combined result as one blob. The
// persisted result_ref is what the diff stage later resumes from, so the task
// payload alone is enough to redo the whole stage from scratch.
type OCRWorker struct {
	jobs      ports.JobStore
	stages    ports.StageStore
	raster    ports.PageRasterizer
	extractor ports.TextExtractor
	blobs     ports.ObjectStorage
	orch      ports.Orchestrator
	dpi       float64
}

func NewOCRWorker(
	jobs ports.JobStore,
	stages ports.StageStore,
	raster ports.PageRasterizer,
	extractor ports.TextExtractor,
	blobs ports.ObjectStorage,
	orch ports.Orchestrator,
	dpi float64,
) *OCRWorker {
	return &OCRWorker{
		jobs:      jobs,
		stages:    stages,
		raster:    raster,
		extractor: extractor,
		blobs:     blobs,
		orch:      orch,
		dpi:       dpi,
	}
}

func (w *OCRWorker) Handle(ctx context.Context, task domain.OCRTask) error {
	claimed, err := w.stages.Claim(ctx, task.StageID)
	if err != nil {
		return fmt.Errorf("claim ocr stage: %w", err)
	}
	if !claimed {
		// Stage already terminal: duplicate delivery, nothing to do.
		return nil
	}

	res, err := w.run(ctx, task)
	if err != nil {
		return recordStageFailure(ctx, w.stages, w.orch, task.JobID, task.StageID, err)
	}

	halted, err := jobHalted(ctx, w.jobs, task.JobID)
	if err != nil || halted {
		return err
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode ocr result: %w", err)
	}
	ref, err := w.blobs.PutBlob(ctx, payload)
	if err != nil {
		return recordStageFailure(ctx, w.stages, w.orch, task.JobID, task.StageID,
			domain.WrapError(domain.ErrTemporary, "store ocr result", err))
	}

	ok, err := w.stages.MarkCompleted(ctx, task.StageID, ref)
	if err != nil {
		return fmt.Errorf("complete ocr stage: %w", err)
	}
	if !ok {
		return nil
	}
	return w.orch.OnOCRComplete(ctx, task.StageID)
}

func (w *OCRWorker) run(ctx context.Context, task domain.OCRTask) (*domain.OCRResult, error) {
	pageCount, err := w.raster.PageCount(ctx, task.DocumentRef)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}
	if pageCount == 0 {
		return nil, domain.WrapError(domain.ErrCorruptDocument, "count pages", errors.New("document has no pages"))
	}

	texts, err := w.extractor.ExtractPages(ctx, task.DocumentRef)
	if err != nil {
		return nil, fmt.Errorf("extract text layer: %w", err)
	}

	pages := make([]domain.PageText, 0, pageCount)
	for i := task.PageIndex; i < pageCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pg, err := w.raster.Rasterize(ctx, task.DocumentRef, i, w.dpi)
		if err != nil {
			return nil, fmt.Errorf("rasterize page %d: %w", i, err)
		}
		b := pg.Pixels.Bounds()
		text := ""
		if i < len(texts) {
			text = texts[i]
		}
		pages = append(pages, domain.PageText{
			PageIndex: i,
			Width:     b.Dx(),
			Height:    b.Dy(),
			Text:      text,
		})
	}

	return &domain.OCRResult{
		DocumentRef: task.DocumentRef,
		PageCount:   pageCount,
		Pages:       pages,
	}, nil
}
