// Package handlers implements the REST surface of the ingestion
// service. Submissions return immediately with a master job id; all
// progress is observed by polling the job resource.
package handlers

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.discomap.org/ingest/go/alog"
	"go.discomap.org/ingest/go/ingest/manager"
	"go.discomap.org/ingest/go/jobstore"
)

var (
	submissionsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqingest_http_submissions_total",
		Help: "Ingestion submissions accepted over HTTP.",
	})
	submissionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqingest_http_submissions_rejected_total",
		Help: "Ingestion submissions rejected at validation.",
	})
)

// defaultListLimit bounds GET /ingest responses when no limit is given.
const defaultListLimit = 50

// maxUploadBytes bounds the accepted URL-list upload size.
const maxUploadBytes = 8 << 20

// JobManager is the scheduling surface the handlers drive; satisfied by
// *manager.Manager.
type JobManager interface {
	Submit(urls []string, opts manager.Options) (jobstore.MasterJob, error)
	Cancel(id uuid.UUID) error
}

// Handlers routes ingestion requests to the manager and the job store.
type Handlers struct {
	store         *jobstore.Store
	mgr           JobManager
	maxURLs       int
	upsertDefault bool
}

// New returns Handlers enforcing maxURLs per submission. upsertDefault
// routes every job through the staging-table merge unless the request
// says otherwise.
func New(store *jobstore.Store, mgr JobManager, maxURLs int, upsertDefault bool) *Handlers {
	return &Handlers{
		store:         store,
		mgr:           mgr,
		maxURLs:       maxURLs,
		upsertDefault: upsertDefault,
	}
}

// Register attaches all routes to r.
func (h *Handlers) Register(r chi.Router) {
	r.Post("/ingest", h.submitHandler)
	r.Post("/ingest/upload", h.uploadHandler)
	r.Get("/ingest", h.listHandler)
	r.Get("/ingest/{id}", h.getHandler)
	r.Delete("/ingest/{id}", h.cancelHandler)
}

// submitRequest is the JSON body of POST /ingest.
type submitRequest struct {
	URLs       []string `json:"urls"`
	Upsert     bool     `json:"upsert"`
	MaxWorkers int      `json:"max_workers"`
}

// submitResponse acknowledges an accepted submission.
type submitResponse struct {
	MasterID     uuid.UUID       `json:"master_id"`
	Status       jobstore.Status `json:"status"`
	TotalURLs    int             `json:"total_urls"`
	TotalBatches int             `json:"total_batches"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reportError(w, err, "Invalid JSON body.", http.StatusBadRequest)
		return
	}
	h.submit(w, req.URLs, manager.Options{Upsert: req.Upsert || h.upsertDefault, MaxWorkers: req.MaxWorkers})
}

// uploadHandler accepts a text file of URLs, one per line, in the
// "file" part of a multipart form. Blank lines and lines starting with
// "#" are skipped. The optional "upsert" and "max_workers" form values
// carry the same meaning as their JSON counterparts on POST /ingest.
func (h *Handlers) uploadHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		reportError(w, err, "Invalid multipart form.", http.StatusBadRequest)
		return
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		reportError(w, err, "Missing \"file\" part.", http.StatusBadRequest)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	var urls []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		reportError(w, err, "Failed to read the uploaded file.", http.StatusBadRequest)
		return
	}
	opts := manager.Options{Upsert: r.FormValue("upsert") == "true" || h.upsertDefault}
	if s := r.FormValue("max_workers"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			reportError(w, err, "Invalid max_workers.", http.StatusBadRequest)
			return
		}
		opts.MaxWorkers = v
	}
	h.submit(w, urls, opts)
}

// submit validates the URL list and hands it to the manager.
func (h *Handlers) submit(w http.ResponseWriter, urls []string, opts manager.Options) {
	if err := h.validateURLs(urls); err != nil {
		submissionsRejected.Inc()
		reportError(w, err, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := h.mgr.Submit(urls, opts)
	if err != nil {
		submissionsRejected.Inc()
		reportError(w, err, "Failed to create the ingestion job.", http.StatusInternalServerError)
		return
	}
	submissionsReceived.Inc()
	sendJSON(w, http.StatusAccepted, submitResponse{
		MasterID:     snap.ID,
		Status:       snap.Status,
		TotalURLs:    snap.TotalURLs,
		TotalBatches: snap.TotalBatches,
	})
}

func (h *Handlers) validateURLs(urls []string) error {
	if len(urls) == 0 {
		return errors.New("the URL list is empty")
	}
	if len(urls) > h.maxURLs {
		return errors.Errorf("too many URLs in one submission: %d > %d", len(urls), h.maxURLs)
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Errorf("invalid URL: %q", raw)
		}
	}
	return nil
}

func (h *Handlers) getHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		reportError(w, err, "Invalid master job id.", http.StatusBadRequest)
		return
	}
	includeBatches := r.URL.Query().Get("include_batches") == "true"
	snap, err := h.store.Get(id, includeBatches)
	if err != nil {
		reportError(w, err, "Unknown master job id.", http.StatusNotFound)
		return
	}
	sendJSON(w, http.StatusOK, snap)
}

func (h *Handlers) listHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			reportError(w, err, "Invalid limit.", http.StatusBadRequest)
			return
		}
		limit = v
	}
	sendJSON(w, http.StatusOK, h.store.List(limit))
}

func (h *Handlers) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		reportError(w, err, "Invalid master job id.", http.StatusBadRequest)
		return
	}
	switch err := h.mgr.Cancel(id); {
	case err == nil:
		snap, err := h.store.Get(id, false)
		if err != nil {
			reportError(w, err, "Unknown master job id.", http.StatusNotFound)
			return
		}
		sendJSON(w, http.StatusAccepted, snap)
	case errors.Is(err, jobstore.ErrNotFound):
		reportError(w, err, "Unknown master job id.", http.StatusNotFound)
	case errors.Is(err, jobstore.ErrTerminal):
		reportError(w, err, "The job has already finished.", http.StatusBadRequest)
	default:
		reportError(w, err, "Failed to cancel the job.", http.StatusInternalServerError)
	}
}

// LogRequests is a middleware logging one line per handled request.
func LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		alog.Infof("%s %s %d (%s)", r.Method, r.URL.Path, sw.status, time.Since(start).Round(time.Millisecond))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// sendJSON serializes body into the response or logs the failure.
func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		alog.Errorf("Failed to write response: %s", err)
	}
}

// reportError logs err and sends msg to the client as JSON.
func reportError(w http.ResponseWriter, err error, msg string, status int) {
	if err != nil {
		alog.Warningf("HTTP %d: %s: %s", status, msg, err)
	} else {
		alog.Warningf("HTTP %d: %s", status, msg)
	}
	sendJSON(w, status, errorResponse{Error: msg})
}
