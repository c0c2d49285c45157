package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/relayhub/relay/internal/model"
	"github.com/relayhub/relay/internal/state"
)

// Options configures the HTTP server.
type Options struct {
	ListenAddress string
	Port          int

	PublicHub        bool
	StrictSecret     bool
	LeaseBounds      model.LeaseBounds
	InlineProcessing bool

	AdminToken      string
	APIMaxBodyBytes int
}

// Server serves the WebSub ingress and the admin API.
type Server struct {
	repo state.Repository
	proc Processor
	opts Options

	httpServer *http.Server
}

// New creates a Server. proc may be nil to disable inline processing.
func New(repo state.Repository, proc Processor, opts Options) *Server {
	s := &Server{repo: repo, proc: proc, opts: opts}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.ListenAddress, opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route tree. The ingress and healthz are public; the
// admin API sits behind the Bearer token. The body limit applies everywhere.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleIngress)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	authed := http.NewServeMux()
	authed.HandleFunc("GET /api/v1/topics", s.handleTopicList)
	authed.HandleFunc("GET /api/v1/topics/{id}", s.handleTopicGet)
	authed.HandleFunc("GET /api/v1/topics/{id}/history", s.handleTopicHistory)
	authed.HandleFunc("GET /api/v1/topics/{id}/subscriptions", s.handleTopicSubscriptions)
	authed.HandleFunc("GET /api/v1/cache/stats", s.handleCacheStats)
	authed.HandleFunc("GET /api/v1/system/info", s.handleSystemInfo)
	mux.Handle("/api/", AuthMiddleware(s.opts.AdminToken, authed))

	return RequestBodyLimitMiddleware(int64(s.opts.APIMaxBodyBytes), mux)
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
