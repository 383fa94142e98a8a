package bootstrap

import (
	"context"
	"fmt"

	"github.com/planlens/plancompare/internal/config"
	"github.com/planlens/plancompare/internal/core/ports"
	"github.com/planlens/plancompare/internal/core/usecase"
	"github.com/planlens/plancompare/internal/infrastructure/align"
	"github.com/planlens/plancompare/internal/infrastructure/queue/nats"
	"github.com/planlens/plancompare/internal/infrastructure/raster"
	"github.com/planlens/plancompare/internal/infrastructure/repository/postgres"
	"github.com/planlens/plancompare/internal/infrastructure/resilience"
	"github.com/planlens/plancompare/internal/infrastructure/storage/localfs"
	"github.com/planlens/plancompare/internal/infrastructure/summarize"
	"github.com/planlens/plancompare/internal/infrastructure/textextract"
	"github.com/planlens/plancompare/internal/observability/metrics"
)

// App wires the shared infrastructure both binaries need: the job/stage/result
// stores, blob storage, the durable queue, and the orchestrator on top.
type App struct {
	Config config.Config

	Queue   ports.MessageQueue
	Jobs    ports.JobStore
	Stages  ports.StageStore
	Results ports.ResultStore
	Blobs   ports.ObjectStorage

	Orchestrator *usecase.Orchestrator

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	jobs := postgres.NewJobRepository(db)
	stages := postgres.NewStageRepository(db)
	results := postgres.NewResultRepository(db)

	blobs, err := localfs.New(cfg.StoragePath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.QueueGroup, cfg.VisibilityTimeout, cfg.MaxDeliver, nats.Options{
		PublishGuard: resilience.NewGuard(resilience.Config{}),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	orch := usecase.NewOrchestrator(jobs, stages, queue, usecase.Topics{Prefix: cfg.TopicPrefix})

	return &App{
		Config: cfg,

		Queue:   queue,
		Jobs:    jobs,
		Stages:  stages,
		Results: results,
		Blobs:   blobs,

		Orchestrator: orch,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// Workers bundles the stage executors of one worker process.
type Workers struct {
	OCR        *usecase.OCRWorker
	Diff       *usecase.DiffWorker
	Summary    *usecase.SummaryWorker
	DeadLetter *usecase.DeadLetterWorker
}

// BuildWorkers constructs the stage executors on top of the app's shared
// infrastructure. m may be nil in tests; service labels the metrics.
func (a *App) BuildWorkers(m *metrics.WorkerMetrics, service string) *Workers {
	cfg := a.Config

	rasterOpts := []raster.Option{}
	if m != nil {
		rasterOpts = append(rasterOpts,
			raster.WithHeapObserver(m.ObserveRasterHeap),
			raster.WithRenderObserver(func(err error) {
				m.RasterPage(service, err)
			}),
		)
	}
	rasterizer := raster.New(a.Blobs, cfg.RasterMemoryMB, rasterOpts...)
	extractor := textextract.NewExtractor(a.Blobs)
	aligner := align.New(align.Config{
		MinMatches:      cfg.AlignMinMatches,
		ScoreThreshold:  cfg.AlignScoreThreshold,
		ScaleMin:        cfg.AlignScaleMin,
		ScaleMax:        cfg.AlignScaleMax,
		RANSACIters:     cfg.AlignRANSACIters,
		InlierThreshold: cfg.AlignInlierPixels,
	})
	summarizer := summarize.New()

	return &Workers{
		OCR:        usecase.NewOCRWorker(a.Jobs, a.Stages, rasterizer, extractor, a.Blobs, a.Orchestrator, cfg.RasterDPI),
		Diff:       usecase.NewDiffWorker(a.Jobs, a.Stages, a.Results, rasterizer, aligner, a.Blobs, a.Orchestrator, cfg.RasterDPI),
		Summary:    usecase.NewSummaryWorker(a.Jobs, a.Stages, a.Results, summarizer, a.Blobs, a.Orchestrator),
		DeadLetter: usecase.NewDeadLetterWorker(a.Stages, a.Orchestrator),
	}
}
