// Package server exposes the aggregated feeds over HTTP and an admin gRPC
// service, plus a separate Prometheus listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"feedsentinel/internal/cache"
	"feedsentinel/internal/correlate"
	"feedsentinel/internal/feed"
	"feedsentinel/internal/logging"
	"feedsentinel/internal/metrics"
	"feedsentinel/internal/refresh"
)

// Scheduler is the part of the refresh scheduler the API drives.
type Scheduler interface {
	TriggerRefresh() refresh.TriggerResult
	State() refresh.State
	LastCycle() (refresh.CycleReport, bool)
}

// Forums is the forum directory as seen by the API.
type Forums interface {
	Sources() []feed.Source
	Refresh(ctx context.Context) ([]feed.Source, int, error)
}

type Config struct {
	Registry  *feed.Registry
	Cache     *cache.Cache
	Scheduler Scheduler
	Engine    *correlate.Engine
	// Forums is optional; the forum routes answer 404 without it.
	Forums Forums
	Logger logging.Logger
	Clock  func() time.Time
}

// Server wraps HTTP and gRPC servers
type Server struct {
	registry  *feed.Registry
	cache     *cache.Cache
	scheduler Scheduler
	engine    *correlate.Engine
	forums    Forums
	logger    logging.Logger
	now       func() time.Time
	router    *mux.Router
	grpcSrv   *grpc.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Server{
		registry:  cfg.Registry,
		cache:     cfg.Cache,
		scheduler: cfg.Scheduler,
		engine:    cfg.Engine,
		forums:    cfg.Forums,
		logger:    cfg.Logger,
		now:       cfg.Clock,
		router:    mux.NewRouter().UseEncodedPath(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.observe)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)
	v1.HandleFunc("/sources/{id}", s.handleRemoveSource).Methods(http.MethodDelete)
	v1.HandleFunc("/items", s.handleItems).Methods(http.MethodGet)
	v1.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	v1.HandleFunc("/correlations", s.handleCorrelation).Methods(http.MethodGet)
	v1.HandleFunc("/correlations/{id}", s.handleCorrelation).Methods(http.MethodGet)
	v1.HandleFunc("/forums", s.handleForums).Methods(http.MethodGet)
	v1.HandleFunc("/forums/discover", s.handleDiscover).Methods(http.MethodPost)
}

func (s *Server) Router() http.Handler { return s.router }

// HTTPServer returns an http.Server serving the API on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// StartMetrics serves /metrics on its own listener and returns the server so
// the caller can shut it down.
func (s *Server) StartMetrics(addr string) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: m, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Metrics server error")
		}
	}()
	return srv
}

// GRPCServer builds the gRPC server with the admin and health services
// registered.
func (s *Server) GRPCServer() *grpc.Server {
	if s.grpcSrv != nil {
		return s.grpcSrv
	}
	s.grpcSrv = grpc.NewServer()
	RegisterAdminServer(s.grpcSrv, &adminService{srv: s})

	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(AdminServiceDesc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(s.grpcSrv, hs)
	return s.grpcSrv
}

func (s *Server) StartGRPC(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.logger.WithField("addr", addr).Info("Starting admin gRPC server")
	return s.GRPCServer().Serve(ln)
}

// StopGRPC drains in-flight admin calls.
func (s *Server) StopGRPC() {
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.logger.WithFields(logging.Fields{
			"method":   r.Method,
			"route":    route,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("API request")
	})
}
