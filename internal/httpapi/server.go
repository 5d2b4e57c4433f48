// Package httpapi implements the block store's HTTP surface (spec.md §6):
// PUT /, GET /{64-hex}, DELETE /{64-hex}, plus a /debug/metrics snapshot.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/abiolaogu/blockvault/internal/controller"
	"github.com/abiolaogu/blockvault/internal/metrics"
	"github.com/abiolaogu/blockvault/internal/tracing"
	"github.com/abiolaogu/blockvault/internal/worker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server dispatches HTTP requests across a fixed pool of workers, one per
// connection pool in spirit (spec.md §4.4): each request is handed to the
// next worker in round-robin order, since net/http doesn't expose a
// stable per-connection handle to pin a worker to a TCP connection.
type Server struct {
	workers []*worker.Worker
	metrics *metrics.Collector
	next    atomic.Uint64
}

// NewServer returns a Server dispatching across workers.
func NewServer(workers []*worker.Worker, m *metrics.Collector) *Server {
	return &Server{workers: workers, metrics: m}
}

func (s *Server) pickWorker() *worker.Worker {
	n := s.next.Add(1)
	return s.workers[(n-1)%uint64(len(s.workers))]
}

// Handler returns the routed http.Handler, using Go's net/http pattern
// routing (method-qualified patterns, `{digest}` wildcard).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /", s.handlePut)
	mux.HandleFunc("GET /{digest}", s.handleGet)
	mux.HandleFunc("DELETE /{digest}", s.handleDelete)
	mux.HandleFunc("GET /debug/metrics", s.handleMetrics)
	return mux
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tracer := tracing.GetTracer("httpapi")
	ctx, span := tracing.StartSpan(r.Context(), tracer, "PUT /",
		attribute.Int64("http.content_length", r.ContentLength),
	)
	defer span.End()

	if r.ContentLength > worker.MaxPutSize {
		writeError(ctx, w, r, http.StatusRequestEntityTooLarge, worker.ErrBodyTooLarge)
		return
	}
	if r.ContentLength <= 0 {
		writeError(ctx, w, r, http.StatusBadRequest, worker.ErrEmptyBody)
		return
	}

	body := io.LimitReader(r.Body, worker.MaxPutSize+1)
	digest, deduped, err := s.pickWorker().Put(body, r.ContentLength)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.recordError(err)
		writeError(ctx, w, r, statusForErr(err), err)
		return
	}

	s.metrics.RecordPut(r.ContentLength, time.Since(start))
	tracing.AddSpanAttributes(ctx, attribute.Bool("blockvault.deduped", deduped))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, digest)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tracer := tracing.GetTracer("httpapi")
	ctx, span := tracing.StartSpan(r.Context(), tracer, "GET /{digest}")
	defer span.End()

	digest := r.PathValue("digest")
	if !isWellFormedDigest(digest) {
		writeError(ctx, w, r, http.StatusBadRequest, worker.ErrMalformedDigest)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if err := s.pickWorker().Get(w, digest); err != nil {
		tracing.RecordError(ctx, err)
		s.recordError(err)
		writeError(ctx, w, r, statusForErr(err), err)
		return
	}
	s.metrics.RecordGet(time.Since(start))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tracer := tracing.GetTracer("httpapi")
	ctx, span := tracing.StartSpan(r.Context(), tracer, "DELETE /{digest}")
	defer span.End()

	digest := r.PathValue("digest")
	if !isWellFormedDigest(digest) {
		writeError(ctx, w, r, http.StatusBadRequest, worker.ErrMalformedDigest)
		return
	}

	if err := s.pickWorker().Delete(digest); err != nil {
		tracing.RecordError(ctx, err)
		s.recordError(err)
		writeError(ctx, w, r, statusForErr(err), err)
		return
	}
	s.metrics.RecordDelete(0, time.Since(start))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var sb strings.Builder
	s.metrics.WriteSnapshot(&sb)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, sb.String())
}

func (s *Server) recordError(err error) {
	var ce *controller.Error
	if errors.As(err, &ce) {
		s.metrics.RecordError(ce.Code)
	}
}

func isWellFormedDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// statusForErr maps a worker/controller error to an HTTP status code per
// spec.md §4.4/§7.
func statusForErr(err error) int {
	switch {
	case errors.Is(err, worker.ErrEmptyBody), errors.Is(err, worker.ErrMalformedDigest):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, worker.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	var ce *controller.Error
	if errors.As(err, &ce) {
		switch ce.Code {
		case controller.CodeBlockNotFound:
			return http.StatusNotFound
		case controller.CodeInvalidSize:
			return http.StatusBadRequest
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}

// errorBody is the structured error shape sent when the client asks for
// application/json (spec.md §7 default is a plain ASCII reason string).
type errorBody struct {
	Error string `json:"error"`
}

func writeError(_ context.Context, w http.ResponseWriter, r *http.Request, status int, err error) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, err.Error())
}
