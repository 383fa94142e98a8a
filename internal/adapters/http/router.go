package httpadapter

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/planlens/plancompare/internal/core/ports"
	"github.com/planlens/plancompare/internal/observability/metrics"
)

type Router struct {
	orch    ports.Orchestrator
	reader  ports.JobReader
	blobs   ports.ObjectStorage
	metrics *metrics.HTTPServerMetrics
	service string

	maxUploadBytes int64
	rateLimitRPS   float64
	rateLimitBurst int
	maxConcurrent  int
	queueWait      time.Duration
}

type RouterOptions struct {
	MaxUploadBytes int64
	RateLimitRPS   float64
	RateLimitBurst int
	MaxConcurrent  int
	QueueWait      time.Duration
}

func NewRouter(
	orch ports.Orchestrator,
	reader ports.JobReader,
	blobs ports.ObjectStorage,
	m *metrics.HTTPServerMetrics,
	service string,
	opts RouterOptions,
) *Router {
	return &Router{
		orch:           orch,
		reader:         reader,
		blobs:          blobs,
		metrics:        m,
		service:        service,
		maxUploadBytes: opts.MaxUploadBytes,
		rateLimitRPS:   opts.RateLimitRPS,
		rateLimitBurst: opts.RateLimitBurst,
		maxConcurrent:  opts.MaxConcurrent,
		queueWait:      opts.QueueWait,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/drawings", rt.uploadDrawing)
	mux.HandleFunc("/v1/comparisons", rt.createComparison)
	mux.HandleFunc("/v1/comparisons/", rt.comparisonSubtree)

	var handler http.Handler = mux
	if rt.rateLimitRPS > 0 {
		handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst)
	}
	if rt.maxConcurrent > 0 {
		handler = backpressureMiddleware(handler, rt.maxConcurrent, rt.queueWait)
	}
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(rt.service, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// uploadDrawing stores one scanned drawing version and returns the opaque ref
// to pass into a comparison request.
func (rt *Router) uploadDrawing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if rt.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadBytes)
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read upload: " + err.Error()})
		return
	}

	ref, err := rt.blobs.PutBlob(r.Context(), data)
	if err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordUpload(rt.service, int64(len(data)))
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"document_ref": ref,
		"filename":     fileHeader.Filename,
	})
}

func (rt *Router) createComparison(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		OldVersionRef string `json:"old_version_ref"`
		NewVersionRef string `json:"new_version_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	job, err := rt.orch.CreateComparisonJob(r.Context(), req.OldVersionRef, req.NewVersionRef)
	if err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordJobCreated(rt.service)
	}
	writeJSON(w, http.StatusAccepted, job)
}

// comparisonSubtree routes /v1/comparisons/{job_id}[/stages|/cancel].
func (rt *Router) comparisonSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/comparisons/")
	jobID, action, _ := strings.Cut(rest, "/")
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return
	}

	switch action {
	case "":
		rt.getComparison(w, r, jobID)
	case "stages":
		rt.listStages(w, r, jobID)
	case "cancel":
		rt.cancelComparison(w, r, jobID)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (rt *Router) getComparison(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	job, err := rt.reader.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) listStages(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	stages, err := rt.reader.ListJobStages(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"stages": stages,
	})
}

func (rt *Router) cancelComparison(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if err := rt.orch.CancelJob(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordJobCancelled(rt.service)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
