package usecase

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/core/ports"
)

var errInjected = errors.New("injected failure")

// storeFake backs both the job and stage stores with the same conditional
// update semantics as the postgres repositories, including the atomic
// both-OCR-complete guard on diff stage creation.
type storeFake struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	stages map[string]*domain.Stage
	order  []string

	diffResults map[string]*domain.DiffResult
	summaries   map[string]*domain.ChangeSummary
}

func newStoreFake() *storeFake {
	return &storeFake{
		jobs:        make(map[string]*domain.Job),
		stages:      make(map[string]*domain.Stage),
		diffResults: make(map[string]*domain.DiffResult),
		summaries:   make(map[string]*domain.ChangeSummary),
	}
}

func (f *storeFake) Create(_ context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[job.ID]; ok {
		return fmt.Errorf("duplicate job %s", job.ID)
	}
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *storeFake) GetByID(_ context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *storeFake) MarkStarted(_ context.Context, id string) (bool, error) {
	return f.casJob(id, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusCreated {
			return false
		}
		now := time.Now()
		j.Status = domain.JobStatusInProgress
		j.StartedAt = &now
		return true
	})
}

func (f *storeFake) MarkCompleted(_ context.Context, id string) (bool, error) {
	return f.casJob(id, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusInProgress {
			return false
		}
		now := time.Now()
		j.Status = domain.JobStatusCompleted
		j.CompletedAt = &now
		return true
	})
}

func (f *storeFake) MarkFailed(_ context.Context, id, errMessage string) (bool, error) {
	return f.casJob(id, func(j *domain.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		now := time.Now()
		j.Status = domain.JobStatusFailed
		j.ErrorMessage = errMessage
		j.CompletedAt = &now
		return true
	})
}

func (f *storeFake) MarkCancelled(_ context.Context, id string) (bool, error) {
	return f.casJob(id, func(j *domain.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = domain.JobStatusCancelled
		return true
	})
}

func (f *storeFake) casJob(id string, update func(*domain.Job) bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	return update(job), nil
}

func (f *storeFake) casStage(id string, update func(*domain.Stage) bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stages[id]
	if !ok {
		return false, domain.ErrStageNotFound
	}
	return update(st), nil
}

func (f *storeFake) CreateMany(_ context.Context, stages []domain.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range stages {
		if err := f.insertLocked(stages[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *storeFake) insertLocked(st domain.Stage) error {
	for _, existing := range f.stages {
		if existing.JobID == st.JobID && existing.Kind == st.Kind && existing.SubjectRef == st.SubjectRef {
			return fmt.Errorf("duplicate stage (%s,%s,%s)", st.JobID, st.Kind, st.SubjectRef)
		}
	}
	cp := st
	f.stages[st.ID] = &cp
	f.order = append(f.order, st.ID)
	return nil
}

func (f *storeFake) GetByID2(ctx context.Context, id string) (*domain.Stage, error) {
	return f.stageByID(id)
}

func (f *storeFake) stageByID(id string) (*domain.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stages[id]
	if !ok {
		return nil, domain.ErrStageNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *storeFake) ListByJob(_ context.Context, jobID string) ([]domain.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Stage
	for _, id := range f.order {
		if st := f.stages[id]; st.JobID == jobID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (f *storeFake) Claim(_ context.Context, id string) (bool, error) {
	return f.casStage(id, func(st *domain.Stage) bool {
		if st.Status != domain.StageStatusPending && st.Status != domain.StageStatusInProgress {
			return false
		}
		if st.StartedAt == nil {
			now := time.Now()
			st.StartedAt = &now
		}
		st.Status = domain.StageStatusInProgress
		return true
	})
}

func (f *storeFake) MarkCompleted2(ctx context.Context, id, resultRef string) (bool, error) {
	return f.casStage(id, func(st *domain.Stage) bool {
		if st.Status != domain.StageStatusInProgress {
			return false
		}
		now := time.Now()
		st.Status = domain.StageStatusCompleted
		st.ResultRef = resultRef
		st.CompletedAt = &now
		return true
	})
}

func (f *storeFake) MarkFailed2(ctx context.Context, id, errMessage string) (bool, error) {
	return f.casStage(id, func(st *domain.Stage) bool {
		if st.Status.Terminal() {
			return false
		}
		now := time.Now()
		st.Status = domain.StageStatusFailed
		st.ErrorMessage = errMessage
		st.CompletedAt = &now
		return true
	})
}

func (f *storeFake) IncrementRetry(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stages[id]
	if !ok {
		return 0, domain.ErrStageNotFound
	}
	st.RetryCount++
	return st.RetryCount, nil
}

func (f *storeFake) CreateIfAbsent(_ context.Context, stage domain.Stage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.insertLocked(stage); err != nil {
		return false, nil
	}
	return true, nil
}

func (f *storeFake) CreateDiffStageWhenOCRComplete(_ context.Context, stage domain.Stage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	completed := 0
	for _, st := range f.stages {
		if st.JobID == stage.JobID && st.Kind == domain.StageKindOCR && st.Status == domain.StageStatusCompleted {
			completed++
		}
	}
	if completed != 2 {
		return false, nil
	}
	if err := f.insertLocked(stage); err != nil {
		return false, nil
	}
	return true, nil
}

func (f *storeFake) SaveDiffResult(_ context.Context, stageID string, res *domain.DiffResult, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.diffResults[stageID]; !ok {
		f.diffResults[stageID] = res
	}
	return nil
}

func (f *storeFake) SaveSummary(_ context.Context, stageID string, sum *domain.ChangeSummary, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.summaries[stageID]; !ok {
		f.summaries[stageID] = sum
	}
	return nil
}

// stageStoreFake adapts storeFake to ports.StageStore, working around the
// method name collisions with ports.JobStore.
type stageStoreFake struct{ *storeFake }

func (f stageStoreFake) GetByID(ctx context.Context, id string) (*domain.Stage, error) {
	return f.storeFake.GetByID2(ctx, id)
}

func (f stageStoreFake) MarkCompleted(ctx context.Context, id, resultRef string) (bool, error) {
	return f.storeFake.MarkCompleted2(ctx, id, resultRef)
}

func (f stageStoreFake) MarkFailed(ctx context.Context, id, errMessage string) (bool, error) {
	return f.storeFake.MarkFailed2(ctx, id, errMessage)
}

type published struct {
	topic   string
	payload []byte
}

type queueFake struct {
	mu         sync.Mutex
	published  []published
	publishErr error
}

func (f *queueFake) Publish(_ context.Context, topic string, payload []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data := make([]byte, len(payload))
	copy(data, payload)
	f.published = append(f.published, published{topic: topic, payload: data})
	return nil
}

func (f *queueFake) Subscribe(context.Context, string, ports.MessageHandler) error { return nil }

func (f *queueFake) byTopic(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type blobFake struct {
	mu     sync.Mutex
	next   int
	blobs  map[string][]byte
	putErr error
}

func newBlobFake() *blobFake {
	return &blobFake{blobs: make(map[string][]byte)}
}

func (f *blobFake) PutBlob(_ context.Context, data []byte) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	ref := fmt.Sprintf("blob-%d", f.next)
	cp := make([]byte, len(data))
	copy(cp, data)
	f.blobs[ref] = cp
	return ref, nil
}

func (f *blobFake) GetBlob(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", ref)
	}
	return data, nil
}

type rasterFake struct {
	pageCount int
	pageErr   error
	rasterErr error
}

func (f *rasterFake) PageCount(context.Context, string) (int, error) {
	if f.pageErr != nil {
		return 0, f.pageErr
	}
	return f.pageCount, nil
}

func (f *rasterFake) Rasterize(_ context.Context, documentRef string, pageIndex int, dpi float64) (*domain.RasterPage, error) {
	if f.rasterErr != nil {
		return nil, f.rasterErr
	}
	return &domain.RasterPage{
		DocumentRef: documentRef,
		PageIndex:   pageIndex,
		DPI:         dpi,
		Pixels:      image.NewGray(image.Rect(0, 0, 64, 64)),
	}, nil
}

type extractorFake struct {
	pages []string
	err   error
}

func (f *extractorFake) ExtractPages(context.Context, string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

type alignerFake struct {
	result *domain.AlignmentResult
	err    error
}

func (f *alignerFake) Align(_ context.Context, _, newPage *domain.RasterPage) (*domain.AlignmentResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.result
	regions := make([]domain.ChangeRegion, len(f.result.Regions))
	copy(regions, f.result.Regions)
	for i := range regions {
		regions[i].PageIndex = newPage.PageIndex
	}
	cp.Regions = regions
	return &cp, nil
}

type summarizerFake struct {
	err error
}

func (f *summarizerFake) Summarize(_ context.Context, res *domain.DiffResult) (*domain.ChangeSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ChangeSummary{JobID: res.JobID, PageCount: len(res.Pages), Text: "summary"}, nil
}
