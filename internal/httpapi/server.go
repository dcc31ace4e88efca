// Package httpapi exposes the dispatcher and notifier over HTTP and
// websockets.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohans/researchq/internal/logging"
	"github.com/mohans/researchq/researchq"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options configure the HTTP surface. Zero values use defaults.
type Options struct {
	CORSOrigins []string

	RequireAPIKey bool
	APIKeyHeader  string
	APIKeys       []string

	// RateLimit is requests per second per client; zero disables it.
	RateLimit float64
	RateBurst int

	Checks   map[string]HealthCheck
	Gatherer prometheus.Gatherer
	Version  string

	// PingInterval keeps idle websocket connections alive.
	PingInterval    time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server is the HTTP front of the orchestration core.
type Server struct {
	dispatcher *researchq.Dispatcher
	notifier   *researchq.Notifier
	opts       Options
	engine     *gin.Engine
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	startTime  time.Time
}

func New(dispatcher *researchq.Dispatcher, notifier *researchq.Notifier, opts Options) *Server {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		dispatcher: dispatcher,
		notifier:   notifier,
		opts:       opts,
		engine:     gin.New(),
		logger:     logging.Component(opts.Logger, "http"),
		startTime:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.allowOrigin,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.requestLogger())
	if len(s.opts.CORSOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		if len(s.opts.CORSOrigins) == 1 && s.opts.CORSOrigins[0] == "*" {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = s.opts.CORSOrigins
		}
		corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", s.opts.APIKeyHeader}
		corsConfig.AllowWebSockets = true
		s.engine.Use(cors.New(corsConfig))
	}

	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	api := s.engine.Group("/")
	api.Use(s.apiKeyAuth(), s.rateLimit())
	research := api.Group("/research")
	{
		research.POST("", s.handleSubmit)
		research.GET("", s.handleList)
		research.GET("/:id", s.handleResult)
		research.GET("/:id/status", s.handleStatus)
		research.DELETE("/:id", s.handleCancel)
	}
	api.GET("/ws/:id", s.handleWebSocket)

	s.engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	// Same-origin requests are always fine.
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "researchq",
		"version": s.opts.Version,
		"endpoints": gin.H{
			"research": "/research",
			"status":   "/research/{task_id}/status",
			"results":  "/research/{task_id}",
			"updates":  "/ws/{task_id}",
			"health":   "/health",
			"metrics":  "/metrics",
		},
	})
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.opts.Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Checks:    make(map[string]string, len(s.opts.Checks)),
	}
	code := http.StatusOK
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	c.JSON(code, resp)
}
