package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/planlens/plancompare/internal/adapters/consumer"
	"github.com/planlens/plancompare/internal/bootstrap"
	"github.com/planlens/plancompare/internal/config"
	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/core/ports"
	"github.com/planlens/plancompare/internal/infrastructure/queue/nats"
	"github.com/planlens/plancompare/internal/observability/logging"
	"github.com/planlens/plancompare/internal/observability/metrics"
)

const serviceName = "plancompare-worker"

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	workers := app.BuildWorkers(workerMetrics, serviceName)
	cons := consumer.New(logger, workerMetrics, serviceName, cfg.StageTimeout)

	handlers := map[domain.StageKind]ports.MessageHandler{
		domain.StageKindOCR:     cons.OCR(workers.OCR),
		domain.StageKindDiff:    cons.Diff(workers.Diff),
		domain.StageKindSummary: cons.Summary(workers.Summary),
	}

	go serveMetrics(cfg.WorkerMetricsPort, workerMetrics)

	var wg sync.WaitGroup
	for _, kindName := range cfg.WorkerKinds {
		kind := domain.StageKind(kindName)
		handler, ok := handlers[kind]
		if !ok {
			log.Fatalf("unknown worker kind %q", kindName)
		}
		topic := cfg.Topic(string(kind))

		wg.Add(2)
		go subscribe(ctx, &wg, app.Queue, topic, handler, logger)
		go subscribe(ctx, &wg, app.Queue, topic+nats.DeadLetterSuffix, cons.DeadLetter(kind, workers.DeadLetter), logger)
	}

	logger.Info("worker started", "kinds", cfg.WorkerKinds)
	wg.Wait()
}

func subscribe(ctx context.Context, wg *sync.WaitGroup, queue ports.MessageQueue, topic string, handler ports.MessageHandler, logger *slog.Logger) {
	defer wg.Done()
	if err := queue.Subscribe(ctx, topic, handler); err != nil && ctx.Err() == nil {
		logger.Error("subscription ended", "topic", topic, "error", err.Error())
	}
}

func serveMetrics(port string, m *metrics.WorkerMetrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		slog.Error("metrics server error", "error", err.Error())
	}
}
