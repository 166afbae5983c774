package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/contextmesh/crossbus/internal/api/middleware"
	"github.com/contextmesh/crossbus/internal/blob"
	"github.com/contextmesh/crossbus/internal/bus"
	"github.com/contextmesh/crossbus/internal/infrastructure/config"
	"github.com/contextmesh/crossbus/internal/infrastructure/logging"
	"github.com/contextmesh/crossbus/internal/infrastructure/monitoring"
	"github.com/contextmesh/crossbus/internal/locus"
	"github.com/contextmesh/crossbus/internal/rules"
	"github.com/contextmesh/crossbus/internal/transport"
)

// Server hosts the coordinator context and the broadcast hub, and lets
// remote loci attach over WebSocket.
type Server struct {
	router      *gin.Engine
	cfg         *config.Config
	log         *logging.Logger
	metrics     *monitoring.Metrics
	hub         *transport.Hub
	coordinator *bus.Bus
	store       *blob.Store
	rules       *rules.Manager
	srv         *http.Server
}

// NewServer creates a relay server from configuration.
func NewServer(cfg *config.Config, log *logging.Logger) (*Server, error) {
	metrics := monitoring.NewMetrics()
	store := blob.NewStore(cfg.Blob.TTL).WithMetrics(metrics)

	coordinator, err := bus.New(locus.Coordinator, bus.Options{
		Timeout: cfg.Bus.CallTimeout,
		Blobs:   store,
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("coordinator bus: %w", err)
	}

	hub := transport.NewHub()
	if err := coordinator.AttachTransport(transport.NewBroadcast(hub, locus.Coordinator, coordinator)); err != nil {
		store.Close()
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		hub:         hub,
		coordinator: coordinator,
		store:       store,
		rules:       rules.Attach(coordinator, log),
	}

	if cfg.Logging.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	attach := router.Group("/")
	if cfg.RateLimit.Enabled {
		attach.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			OnReject:          metrics.IncAttachRejects,
		}))
	}
	attach.GET("/attach", s.handleAttach)

	s.router = router
	return s, nil
}

// Coordinator returns the hosted coordinator bus.
func (s *Server) Coordinator() *bus.Bus { return s.coordinator }

// Hub returns the broadcast hub remote loci attach to.
func (s *Server) Hub() *transport.Hub { return s.hub }

// Store returns the coordinator's blob store.
func (s *Server) Store() *blob.Store { return s.store }

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.srv = &http.Server{Addr: addr, Handler: s.router}
	s.log.Info("relay listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server and tears the coordinator down.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.rules.Detach()
	s.coordinator.Destroy()
	s.store.Close()
	return err
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "crossbus-relayd",
	})
}
