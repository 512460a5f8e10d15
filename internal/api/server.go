// Package api serves the tenant-scoped persistence contract, the playbook
// catalog, the engine operations and the change feed over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kingrea/playbooks/internal/feed"
	"github.com/kingrea/playbooks/internal/metrics"
	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/playbook/manager"
	"github.com/kingrea/playbooks/internal/recommend"
	"github.com/kingrea/playbooks/internal/store"
)

// ProtocolVersion is reported by /health.
const ProtocolVersion = "1"

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// ErrServerDisabled is returned by Start when the settings disable the API.
var ErrServerDisabled = errors.New("api: server disabled")

// Catalog is the read side of the playbook catalog. *catalog.Catalog
// satisfies it.
type Catalog interface {
	GetByID(id string) (playbook.Definition, bool)
	All() []playbook.Definition
	ByCategory(category playbook.Category) []playbook.Definition
	ByTag(tag string) []playbook.Definition
}

// Recommender looks up accounts that need a playbook. *recommend.Client
// satisfies it.
type Recommender interface {
	Recommend(ctx context.Context, customerID int64, playbookID string, triggers []playbook.TriggerThreshold) ([]recommend.AccountRecommendation, error)
}

// Server wraps the HTTP listener and handlers. Route groups are mounted only
// when their backing component is configured.
type Server struct {
	settings    Settings
	logger      *slog.Logger
	clock       func() time.Time
	store       store.Store
	catalog     Catalog
	manager     *manager.Manager
	feed        *feed.Router
	metrics     *metrics.Metrics
	recommender Recommender

	handler http.Handler

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithStore mounts the persistence contract under /playbooks/executions.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithCatalog mounts GET /playbooks and GET /playbooks/{id}.
func WithCatalog(c Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithManager mounts the /engine routes.
func WithManager(m *manager.Manager) Option {
	return func(s *Server) { s.manager = m }
}

// WithFeed mounts the /engine/feed websocket.
func WithFeed(r *feed.Router) Option {
	return func(s *Server) { s.feed = r }
}

// WithMetrics mounts /metrics and counts feed sessions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithRecommender(r Recommender) Option {
	return func(s *Server) { s.recommender = r }
}

// NewServer prepares a server using the provided settings.
func NewServer(settings Settings, opts ...Option) *Server {
	settings.normalize()
	s := &Server{
		settings: settings,
		logger:   slog.New(slog.DiscardHandler),
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.handler = s.recoverPanics(s.logRequests(s.routes()))
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.store != nil {
		mux.HandleFunc("GET /playbooks/executions", s.handleListExecutions)
		mux.HandleFunc("POST /playbooks/executions", requireJSON(s.handleSaveExecution))
		mux.HandleFunc("DELETE /playbooks/executions/{id}", s.handleDeleteExecution)
	}
	if s.catalog != nil {
		mux.HandleFunc("GET /playbooks", s.handleListPlaybooks)
		mux.HandleFunc("GET /playbooks/{id}", s.handleGetPlaybook)
	}
	if s.manager != nil {
		mux.HandleFunc("GET /engine/executions", s.handleEngineList)
		mux.HandleFunc("POST /engine/executions", requireJSON(s.handleEngineStart))
		mux.HandleFunc("GET /engine/executions/{id}", s.handleEngineGet)
		mux.HandleFunc("GET /engine/executions/{id}/plan", s.handleEnginePlan)
		mux.HandleFunc("POST /engine/executions/{id}/steps/{stepId}", requireJSON(s.handleEngineStep))
		mux.HandleFunc("PUT /engine/executions/{id}/status", requireJSON(s.handleEngineStatus))
		mux.HandleFunc("DELETE /engine/executions/{id}", s.handleEngineDelete)
		mux.HandleFunc("GET /engine/board", s.handleEngineBoard)
	}
	if s.catalog != nil {
		mux.HandleFunc("POST /engine/playbooks/{id}/recommendations", s.handleRecommend)
	}
	if s.feed != nil {
		mux.HandleFunc("GET /engine/feed", s.handleFeed)
	}
	return mux
}

// Handler exposes the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("api: server is nil")
	}
	if !s.settings.Enabled {
		return ErrServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("api: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api serve failed", "error", err)
		}
	}()
	s.logger.Info("api listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests
// to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Store         bool   `json:"store"`
	Engine        bool   `json:"engine"`
	Playbooks     int    `json:"playbooks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        string(s.Status()),
		Version:       ProtocolVersion,
		UptimeSeconds: s.uptimeSeconds(),
		Store:         s.store != nil,
		Engine:        s.manager != nil,
	}
	if s.catalog != nil {
		resp.Playbooks = len(s.catalog.All())
	}
	writeJSON(w, http.StatusOK, resp)
}
