// Package statusapi serves the read-only HTTP status surface of the propd
// daemons: health, Prometheus metrics and, on the Dispatcher, the task pool.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/c360studio/propd/storage"
	"github.com/c360studio/propd/task"
)

// TaskSource is the task pool view the /tasks routes read.
type TaskSource interface {
	Snapshot(statuses ...task.Status) []storage.TaskRecord
	Get(id int) (storage.TaskRecord, bool)
	Results(ctx context.Context, taskID int) ([]*task.Result, error)
}

// HealthFunc returns the daemon health document and whether it is healthy.
type HealthFunc func() (any, bool)

// Options configure the router.
type Options struct {
	Health   HealthFunc
	Gatherer prometheus.Gatherer

	// Tasks enables the /tasks routes when set.
	Tasks TaskSource
}

// NewRouter builds the status routes.
func NewRouter(opts Options) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", healthHandler(opts.Health))
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Tasks != nil {
		h := &taskHandlers{tasks: opts.Tasks}
		r.Get("/tasks", h.list)
		r.Get("/tasks/{id}", h.get)
	}
	return r
}

func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health == nil {
			writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
			return
		}
		doc, ok := health()
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, doc)
	}
}

type taskHandlers struct {
	tasks TaskSource
}

type taskView struct {
	storage.TaskRecord
	Results []*task.Result `json:"results,omitempty"`
}

// list serves /tasks, optionally filtered by ?status=A,B.
func (h *taskHandlers) list(w http.ResponseWriter, r *http.Request) {
	var statuses []task.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, err := task.ParseStatus(strings.ToUpper(strings.TrimSpace(s)))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			statuses = append(statuses, st)
		}
	}
	records := h.tasks.Snapshot(lo.Uniq(statuses)...)
	if records == nil {
		records = []storage.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(records), "items": records})
}

// get serves /tasks/{id} with the task's send results.
func (h *taskHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task id must be numeric"})
		return
	}
	rec, ok := h.tasks.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("task %d not found", id)})
		return
	}
	results, err := h.tasks.Results(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load task results"})
		return
	}
	writeJSON(w, http.StatusOK, taskView{TaskRecord: rec, Results: results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the router on an address until its context ends.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("Status API listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown status API: %w", err)
		}
		return nil
	}
}
