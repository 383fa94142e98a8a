package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/core/ports"
)

// DiffWorker executes one diff stage: it rasterizes the old/new versions a
// page pair at a time, aligns each pair, and aggregates the per-page
// alignments into one diff result. Pages only one version has are reported as
// whole-page added/removed regions. Alignment failures are permanent: a page
// pair that cannot be aligned fails the stage and the job.
type DiffWorker struct {
	jobs    ports.JobStore
	stages  ports.StageStore
	results ports.ResultStore
	raster  ports.PageRasterizer
	aligner ports.Aligner
	blobs   ports.ObjectStorage
	orch    ports.Orchestrator
	dpi     float64
}

func NewDiffWorker(
	jobs ports.JobStore,
	stages ports.StageStore,
	results ports.ResultStore,
	raster ports.PageRasterizer,
	aligner ports.Aligner,
	blobs ports.ObjectStorage,
	orch ports.Orchestrator,
	dpi float64,
) *DiffWorker {
	return &DiffWorker{
		jobs:    jobs,
		stages:  stages,
		results: results,
		raster:  raster,
		aligner: aligner,
		blobs:   blobs,
		orch:    orch,
		dpi:     dpi,
	}
}

func (w *DiffWorker) Handle(ctx context.Context, task domain.DiffTask) error {
	claimed, err := w.stages.Claim(ctx, task.StageID)
	if err != nil {
		return fmt.Errorf("claim diff stage: %w", err)
	}
	if !claimed {
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
		return fmt.Errorf("encode diff result: %w", err)
	}
	ref, err := w.blobs.PutBlob(ctx, payload)
	if err != nil {
		return recordStageFailure(ctx, w.stages, w.orch, task.JobID, task.StageID,
			domain.WrapError(domain.ErrTemporary, "store diff result", err))
	}
	if err := w.results.SaveDiffResult(ctx, task.StageID, res, ref); err != nil {
		return recordStageFailure(ctx, w.stages, w.orch, task.JobID, task.StageID,
			domain.WrapError(domain.ErrTemporary, "save diff result", err))
	}

	ok, err := w.stages.MarkCompleted(ctx, task.StageID, ref)
	if err != nil {
		return fmt.Errorf("complete diff stage: %w", err)
	}
	if !ok {
		return nil
	}
	return w.orch.OnDiffComplete(ctx, task.StageID)
}

func (w *DiffWorker) run(ctx context.Context, task domain.DiffTask) (*domain.DiffResult, error) {
	oldOCR, err := w.loadOCRResult(ctx, task.OldOCRResultRef)
	if err != nil {
		return nil, err
	}
	newOCR, err := w.loadOCRResult(ctx, task.NewOCRResultRef)
	if err != nil {
		return nil, err
	}

	res := &domain.DiffResult{
		JobID:          task.JobID,
		OldDocumentRef: oldOCR.DocumentRef,
		NewDocumentRef: newOCR.DocumentRef,
	}

	common := oldOCR.PageCount
	if newOCR.PageCount < common {
		common = newOCR.PageCount
	}

	var weightedScore float64
	for i := 0; i < common; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		oldPage, err := w.raster.Rasterize(ctx, oldOCR.DocumentRef, i, w.dpi)
		if err != nil {
			return nil, fmt.Errorf("rasterize old page %d: %w", i, err)
		}
		newPage, err := w.raster.Rasterize(ctx, newOCR.DocumentRef, i, w.dpi)
		if err != nil {
			return nil, fmt.Errorf("rasterize new page %d: %w", i, err)
		}
		aligned, err := w.aligner.Align(ctx, oldPage, newPage)
		if err != nil {
			return nil, fmt.Errorf("align page %d: %w", i, err)
		}

		res.Pages = append(res.Pages, domain.PageAlignment{PageIndex: i, Result: *aligned})
		res.Regions = append(res.Regions, aligned.Regions...)
		res.MatchedFeatures += aligned.MatchedFeatures
		res.InlierCount += aligned.InlierCount
		weightedScore += aligned.Score * float64(aligned.MatchedFeatures)
	}
	if res.MatchedFeatures == 0 {
		return nil, domain.WrapError(domain.ErrInsufficientFeatures, "diff", errors.New("no page pairs aligned"))
	}
	res.Score = weightedScore / float64(res.MatchedFeatures)

	if err := w.appendExtraPages(ctx, res, oldOCR, common, domain.ChangeRemoved); err != nil {
		return nil, err
	}
	if err := w.appendExtraPages(ctx, res, newOCR, common, domain.ChangeAdded); err != nil {
		return nil, err
	}
	return res, nil
}

// appendExtraPages reports pages past the common prefix as one whole-page
// change region each.
func (w *DiffWorker) appendExtraPages(ctx context.Context, res *domain.DiffResult, ocr *domain.OCRResult, from int, kind domain.ChangeKind) error {
	for i := from; i < ocr.PageCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		pg, err := w.raster.Rasterize(ctx, ocr.DocumentRef, i, w.dpi)
		if err != nil {
			return fmt.Errorf("rasterize extra page %d: %w", i, err)
		}
		b := pg.Pixels.Bounds()
		res.Regions = append(res.Regions, domain.ChangeRegion{
			PageIndex: i,
			X:         0,
			Y:         0,
			Width:     b.Dx(),
			Height:    b.Dy(),
			Kind:      kind,
		})
	}
	return nil
}

func (w *DiffWorker) loadOCRResult(ctx context.Context, ref string) (*domain.OCRResult, error) {
	data, err := w.blobs.GetBlob(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load ocr result %s: %w", ref, err)
	}
	var res domain.OCRResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode ocr result", err)
	}
	if res.PageCount == 0 {
		return nil, domain.WrapError(domain.ErrCorruptDocument, "decode ocr result", errors.New("zero pages"))
	}
	return &res, nil
}
