// Package s3gw exposes the blob engine through an S3-compatible API
// so existing S3 tooling can browse, fetch and store blobs.
package s3gw

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/johannesboyne/gofakes3"

	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/server/middleware"
	"github.com/nickweedon/mcp-mapped-resource-lib/pkg/storage"
)

// DefaultBucket is used when Options.Bucket is empty.
const DefaultBucket = "blobs"

// Options configure the S3 gateway.
type Options struct {
	Bucket    string
	APIKey    string
	RateLimit middleware.RateLimitOptions
}

// Server serves the S3 surface. All blobs live in one fixed bucket;
// requests that omit the bucket segment are rewritten to include it.
type Server struct {
	Engine *storage.Engine
	Opt    Options

	handlerOnce sync.Once
	handler     http.Handler
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.httpHandler()}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	return srv.ListenAndServe()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpHandler().ServeHTTP(w, r)
}

func (s *Server) bucket() string {
	if s.Opt.Bucket != "" {
		return s.Opt.Bucket
	}
	return DefaultBucket
}

func (s *Server) httpHandler() http.Handler {
	s.handlerOnce.Do(func() {
		backend := NewBackend(s.Engine, s.bucket())
		s3 := gofakes3.New(backend).Server()
		var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.ensureContentLength(r)
			s.rewriteBucketPath(r)
			s3.ServeHTTP(w, r)
		})
		if chain := s.middlewares(); len(chain) > 0 {
			handler = middleware.Wrap(handler, chain...)
		}
		s.handler = handler
	})
	return s.handler
}

func (s *Server) rewriteBucketPath(r *http.Request) {
	bucket := s.bucket()
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if trimmed == "" {
		return
	}
	if strings.HasPrefix(trimmed, bucket+"/") || trimmed == bucket {
		return
	}
	newPath := path.Join("/", bucket, trimmed)
	r.URL.Path = newPath
	r.URL.RawPath = newPath
}

// gofakes3 insists on a Content-Length header; some clients rely on
// the parsed request field alone.
func (s *Server) ensureContentLength(r *http.Request) {
	if r.Header.Get("Content-Length") != "" || r.ContentLength < 0 {
		return
	}
	r.Header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
}

func (s *Server) middlewares() []middleware.HTTPMiddleware {
	var chain []middleware.HTTPMiddleware
	if auth := middleware.APIKeyAuth(s.Opt.APIKey); auth != nil {
		chain = append(chain, auth)
	}
	if limit := middleware.RateLimit(s.Opt.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	return chain
}
