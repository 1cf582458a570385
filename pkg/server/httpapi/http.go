// Package httpapi exposes the blob engine over a plain JSON/HTTP
// surface: raw-body uploads, payload downloads, metadata reads,
// listing with cursor pagination, deletion and manual sweeps.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/blobid"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/server/middleware"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/storage"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/sweep"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/xerrors"
)

// Options tunes the HTTP surface.
type Options struct {
	// APIKey, when set, is required on every request via X-API-Key
	// or a bearer token.
	APIKey string
	// RateLimit bounds request throughput across all clients.
	RateLimit middleware.RateLimitOptions
	// Gzip enables response compression for clients that accept it.
	Gzip bool
}

// Server serves the blob API. Engine must be set; Log is optional.
type Server struct {
	Engine *storage.Engine
	Log    *log.Logger
	Opts   Options
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logf("httpapi: listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/blobs", s.handleCollection)
	mux.HandleFunc("/blobs/", s.handleBlob)
	mux.HandleFunc("/sweep", s.handleSweep)
	return middleware.Wrap(mux, s.middlewares()...)
}

func (s *Server) middlewares() []middleware.HTTPMiddleware {
	var chain []middleware.HTTPMiddleware
	if s.Log != nil {
		chain = append(chain, middleware.RequestLog(s.Log.Printf))
	}
	chain = append(chain, middleware.APIKeyAuth(s.Opts.APIKey))
	chain = append(chain, middleware.RateLimit(s.Opts.RateLimit))
	if s.Opts.Gzip {
		chain = append(chain, middleware.Gzip())
	}
	return chain
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.upload"

	// One byte past the engine limit so oversized bodies are rejected
	// by the engine rather than silently truncated here.
	payload, err := io.ReadAll(io.LimitReader(r.Body, s.Engine.MaxSize()+1))
	if err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindInternal, op, "", err))
		return
	}

	q := r.URL.Query()
	opts := storage.UploadOptions{
		Filename: q.Get("filename"),
		Tags:     q["tag"],
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		opts.MimeHint = ct
	}
	if raw := q.Get("ttl"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			httpError(w, xerrors.Wrap(xerrors.KindInvalid, op, raw, fmt.Errorf("bad ttl: %w", err)))
			return
		}
		opts.TTL = &d
	}

	meta, err := s.Engine.Upload(r.Context(), payload, opts)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.list"

	q := r.URL.Query()
	query := storage.ListQuery{
		Mime:   q.Get("mime"),
		Tags:   q["tag"],
		Cursor: q.Get("cursor"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpError(w, xerrors.Wrap(xerrors.KindInvalid, op, raw, fmt.Errorf("bad limit: %w", err)))
			return
		}
		query.Limit = n
	}

	page, err := s.Engine.List(r.Context(), query)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleBlob serves /blobs/{id} and /blobs/{id}/meta. The id segment
// is the bare leaf or the canonical identifier; either form resolves
// to the same blob.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/blobs/")
	metaOnly := strings.HasSuffix(rest, "/meta")
	if metaOnly {
		rest = strings.TrimSuffix(rest, "/meta")
	}
	id, err := blobid.ParseAny(rest)
	if err != nil {
		httpError(w, err)
		return
	}
	canonical := id.String()

	switch {
	case metaOnly && r.Method == http.MethodGet:
		meta, err := s.Engine.GetMetadata(r.Context(), canonical)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	case metaOnly:
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	case r.Method == http.MethodHead:
		meta, err := s.Engine.GetMetadata(r.Context(), canonical)
		if err != nil {
			httpError(w, err)
			return
		}
		setBlobHeaders(w, meta)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		payload, meta, err := s.Engine.Open(r.Context(), canonical)
		if err != nil {
			httpError(w, err)
			return
		}
		setBlobHeaders(w, meta)
		_, _ = w.Write(payload)
	case r.Method == http.MethodDelete:
		if err := s.Engine.Delete(r.Context(), canonical); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, HEAD, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type sweepResponse struct {
	sweep.Report
	FailedIDs []string `json:"failed_ids,omitempty"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.Engine.Sweep(r.Context())
	resp := sweepResponse{Report: report}
	if err != nil {
		if xerrors.KindOf(err) != xerrors.KindPartialSweep {
			httpError(w, err)
			return
		}
		var partial *sweep.PartialError
		if errors.As(err, &partial) {
			resp.FailedIDs = partial.IDs()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func setBlobHeaders(w http.ResponseWriter, meta storage.Metadata) {
	h := w.Header()
	h.Set("Content-Type", meta.MimeType)
	h.Set("Content-Length", strconv.FormatInt(meta.SizeBytes, 10))
	h.Set("ETag", `"`+meta.SHA256+`"`)
	h.Set("Last-Modified", meta.CreatedAt.UTC().Format(http.TimeFormat))
	h.Set("X-Blob-Id", meta.ID)
	if meta.OriginalFilename != "" {
		h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", meta.OriginalFilename))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalid, xerrors.KindMalformedID, xerrors.KindPathUnsafe:
		status = http.StatusBadRequest
	case xerrors.KindNotFound, xerrors.KindMetaNotFound:
		status = http.StatusNotFound
	case xerrors.KindTooLarge:
		status = http.StatusRequestEntityTooLarge
	case xerrors.KindMimeRejected:
		status = http.StatusUnsupportedMediaType
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) logf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
