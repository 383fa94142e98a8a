package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/core/ports"
	"github.com/planlens/plancompare/internal/infrastructure/queue/memory"
)

// pipelineHarness runs the whole pipeline in-process: real orchestrator and
// workers over the in-memory queue, with fake rasterization and alignment.
type pipelineHarness struct {
	store *storeFake
	queue *memory.Queue
	orch  *Orchestrator
	blobs *blobFake
}

func startPipeline(t *testing.T, ctx context.Context, raster ports.PageRasterizer, aligner ports.Aligner) *pipelineHarness {
	t.Helper()
	store := newStoreFake()
	blobs := newBlobFake()
	queue := memory.New(500*time.Millisecond, 4)
	orch := NewOrchestrator(store, stageStoreFake{store}, queue, Topics{Prefix: "stages"})

	ocr := NewOCRWorker(store, stageStoreFake{store}, raster, &extractorFake{pages: []string{"sheet a"}}, blobs, orch, 150)
	diff := NewDiffWorker(store, stageStoreFake{store}, store, raster, aligner, blobs, orch, 150)
	summary := NewSummaryWorker(store, stageStoreFake{store}, store, &summarizerFake{}, blobs, orch)
	dead := NewDeadLetterWorker(stageStoreFake{store}, orch)

	subscribe := func(topic string, handler ports.MessageHandler) {
		go func() { _ = queue.Subscribe(ctx, topic, handler) }()
	}
	subscribe("stages.ocr", stageHandler(func(hctx context.Context, payload []byte) error {
		var task domain.OCRTask
		if err := json.Unmarshal(payload, &task); err != nil {
			return err
		}
		return ocr.Handle(hctx, task)
	}))
	subscribe("stages.diff", stageHandler(func(hctx context.Context, payload []byte) error {
		var task domain.DiffTask
		if err := json.Unmarshal(payload, &task); err != nil {
			return err
		}
		return diff.Handle(hctx, task)
	}))
	subscribe("stages.summary", stageHandler(func(hctx context.Context, payload []byte) error {
		var task domain.SummaryTask
		if err := json.Unmarshal(payload, &task); err != nil {
			return err
		}
		return summary.Handle(hctx, task)
	}))
	for _, topic := range []string{"stages.ocr", "stages.diff", "stages.summary"} {
		subscribe(topic+memory.DeadLetterSuffix, func(hctx context.Context, msg ports.Message) ports.Outcome {
			if err := dead.Handle(hctx, msg.Payload); err != nil {
				return ports.Nack
			}
			return ports.Ack
		})
	}

	return &pipelineHarness{store: store, queue: queue, orch: orch, blobs: blobs}
}

func stageHandler(run func(ctx context.Context, payload []byte) error) ports.MessageHandler {
	return func(ctx context.Context, msg ports.Message) ports.Outcome {
		err := run(ctx, msg.Payload)
		if err == nil || domain.IsPermanent(err) {
			return ports.Ack
		}
		return ports.Nack
	}
}

func (h *pipelineHarness) waitForJob(t *testing.T, jobID string, want domain.JobStatus) *domain.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := h.orch.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == want {
			return job
		}
		if job.Status.Terminal() {
			t.Fatalf("job reached %s while waiting for %s (%s)", job.Status, want, job.ErrorMessage)
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for job %s to reach %s, currently %s", jobID, want, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aligner := &alignerFake{result: &domain.AlignmentResult{
		Transform: domain.Transform{A: 1, D: 1}, Score: 0.95, MatchedFeatures: 40, InlierCount: 38,
	}}
	h := startPipeline(t, ctx, &rasterFake{pageCount: 2}, aligner)

	job, err := h.orch.CreateComparisonJob(context.Background(), "doc-old", "doc-new")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	h.waitForJob(t, job.ID, domain.JobStatusCompleted)

	stages, _ := h.store.ListByJob(context.Background(), job.ID)
	if len(stages) != 4 {
		t.Fatalf("expected 4 stages (2 ocr, diff, summary), got %d", len(stages))
	}
	byKind := map[domain.StageKind]int{}
	for _, st := range stages {
		if st.Status != domain.StageStatusCompleted {
			t.Fatalf("stage %s/%s not completed: %s", st.Kind, st.ID, st.Status)
		}
		byKind[st.Kind]++
	}
	if byKind[domain.StageKindOCR] != 2 || byKind[domain.StageKindDiff] != 1 || byKind[domain.StageKindSummary] != 1 {
		t.Fatalf("unexpected stage breakdown %+v", byKind)
	}
	if len(h.store.summaries) != 1 {
		t.Fatalf("expected one summary row, got %d", len(h.store.summaries))
	}
}

func TestPipelineAlignmentFailureFailsJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aligner := &alignerFake{err: domain.WrapError(domain.ErrInsufficientFeatures, "align", errInjected)}
	h := startPipeline(t, ctx, &rasterFake{pageCount: 1}, aligner)

	job, err := h.orch.CreateComparisonJob(context.Background(), "doc-old", "doc-new")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	got := h.waitForJobTerminal(t, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", got.Status)
	}

	stages, _ := h.store.ListByJob(context.Background(), job.ID)
	diff := stageOfKind(stages, domain.StageKindDiff)
	if diff == nil || diff.Status != domain.StageStatusFailed {
		t.Fatalf("diff stage should be failed: %+v", diff)
	}
	if stageOfKind(stages, domain.StageKindSummary) != nil {
		t.Fatalf("summary stage created after diff failure")
	}
}

func (h *pipelineHarness) waitForJobTerminal(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := h.orch.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for terminal job, currently %s", job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// flakyRaster fails the first failures calls with a transient error, then
// behaves like rasterFake.
type flakyRaster struct {
	rasterFake
	mu       sync.Mutex
	failures int
}

func (f *flakyRaster) Rasterize(ctx context.Context, ref string, page int, dpi float64) (*domain.RasterPage, error) {
	f.mu.Lock()
	remaining := f.failures
	if remaining > 0 {
		f.failures--
	}
	f.mu.Unlock()
	if remaining > 0 {
		return nil, domain.WrapError(domain.ErrResourceExhausted, "rasterize", errInjected)
	}
	return f.rasterFake.Rasterize(ctx, ref, page, dpi)
}

func TestPipelineRecoversFromTransientFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raster := &flakyRaster{rasterFake: rasterFake{pageCount: 1}, failures: 2}
	aligner := &alignerFake{result: &domain.AlignmentResult{Score: 1, MatchedFeatures: 10, InlierCount: 10}}
	h := startPipeline(t, ctx, raster, aligner)

	job, err := h.orch.CreateComparisonJob(context.Background(), "doc-old", "doc-new")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	h.waitForJob(t, job.ID, domain.JobStatusCompleted)

	stages, _ := h.store.ListByJob(context.Background(), job.ID)
	retries := 0
	for _, st := range stages {
		retries += st.RetryCount
	}
	if retries == 0 {
		t.Fatalf("expected at least one recorded retry")
	}
}

func TestPipelineDeadLettersExhaustedStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rasterization never stops failing transiently, so the OCR tasks burn
	// through the delivery budget and land on the dead-letter topic.
	raster := &flakyRaster{rasterFake: rasterFake{pageCount: 1}, failures: 1 << 30}
	h := startPipeline(t, ctx, raster, &alignerFake{result: &domain.AlignmentResult{}})

	job, err := h.orch.CreateComparisonJob(context.Background(), "doc-old", "doc-new")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	got := h.waitForJobTerminal(t, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job after dead-lettering, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("dead-lettered job should carry a failure reason")
	}
}
