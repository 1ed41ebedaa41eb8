package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brentr/gst-rtsp-launch/internal/config"
	"github.com/brentr/gst-rtsp-launch/internal/metrics"
	"github.com/brentr/gst-rtsp-launch/internal/rtsp"
)

const (
	serviceName = "gst-rtsp-launch"

	// statusTimeout bounds how long a request waits for the main loop
	statusTimeout = 2 * time.Second
)

// StatusProvider is the view of the RTSP server the API reports on
type StatusProvider interface {
	Status(ctx context.Context) (rtsp.Status, error)
	Session(ctx context.Context, id string) (rtsp.SessionInfo, bool, error)
}

var _ StatusProvider = (*rtsp.Server)(nil)

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server   *http.Server
	router   *gin.Engine
	listener net.Listener
	logger   *slog.Logger

	config   *config.File
	launch   config.ServerConfig
	status   StatusProvider
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates the status API. Metrics are served from gatherer.
func NewHTTPServer(cfg *config.File, launch config.ServerConfig, status StatusProvider,
	m *metrics.Metrics, gatherer prometheus.Gatherer, logger *slog.Logger) *HTTPServer {

	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)

	h := &HTTPServer{
		router:    gin.New(),
		logger:    logger.With("component", "http-server"),
		config:    cfg,
		launch:    launch,
		status:    status,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}
	h.setupRoutes()

	h.server = &http.Server{
		Addr:         cfg.HTTP.ListenAddress(),
		Handler:      h.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

func (h *HTTPServer) setupRoutes() {
	h.router.Use(gin.Recovery())
	h.router.Use(h.requestLogger())

	// Prometheus metrics endpoint (not counted itself)
	h.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := h.router.Group("/", h.withMetrics())
	{
		api.GET("/", h.handleRoot)
		api.GET("/health", h.handleHealth)
		api.GET("/sessions", h.handleSessions)
		api.GET("/sessions/:id", h.handleSessionDetail)
		api.GET("/config", h.handleConfig)
		api.GET("/stats", h.handleStats)
	}

	h.router.NoRoute(h.withMetrics(), func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// Handler returns the router, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// withMetrics records request count, duration and errors per route
func (h *HTTPServer) withMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()

		h.metrics.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(status), time.Since(startTime).Seconds())

		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(c.Request.Method, endpoint, errorType)
		}
	}
}

func (h *HTTPServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		h.logger.Debug("HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(startTime)),
		)
	}
}

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = listener

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server")
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) snapshot(c *gin.Context) (rtsp.Status, error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
	defer cancel()
	return h.status.Status(ctx)
}

func (h *HTTPServer) handleHealth(c *gin.Context) {
	uptime := time.Since(h.startTime)

	status, err := h.snapshot(c)
	if err != nil {
		h.logger.Warn("RTSP server did not answer health check", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"timestamp": time.Now().UTC(),
			"uptime":    uptime.String(),
			"error":     err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": gin.H{
			"name": serviceName,
		},
		"components": gin.H{
			"rtsp_server": gin.H{
				"status":      "running",
				"service":     status.Service,
				"address":     status.Address,
				"connections": status.Connections,
			},
			"session_pool": gin.H{
				"status":          "running",
				"active_sessions": len(status.Sessions),
			},
		},
	})
}

func (h *HTTPServer) handleSessions(c *gin.Context) {
	status, err := h.snapshot(c)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_sessions": len(status.Sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       status.Sessions,
	})
}

func (h *HTTPServer) handleSessionDetail(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
	defer cancel()

	info, ok, err := h.status.Session(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, info)
}

func (h *HTTPServer) handleConfig(c *gin.Context) {
	launch := gin.H{
		"port":       h.launch.Port,
		"mount_path": h.launch.MountPath,
		"launch":     h.launch.Launch,
		"rtcp":       h.launch.RTCPEnabled,
	}
	if h.launch.ProfilesSet {
		launch["rtsp_profiles"] = h.launch.Profiles.String()
	}
	if h.launch.RetransmissionSet {
		launch["retransmission_time_ms"] = h.launch.RetransmissionMs
	}

	c.JSON(http.StatusOK, gin.H{
		"server": launch,
		"session": gin.H{
			"timeout":      h.config.Session.Timeout,
			"max_sessions": h.config.Session.MaxSessions,
		},
		"pipeline": gin.H{
			"binary": h.config.Pipeline.Binary,
		},
		"http": gin.H{
			"address": h.config.HTTP.Address,
			"port":    h.config.HTTP.Port,
		},
		"logging": gin.H{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

func (h *HTTPServer) handleStats(c *gin.Context) {
	status, err := h.snapshot(c)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	clients := 0
	running := 0
	for _, mount := range status.Mounts {
		clients += mount.Clients
		if mount.Running {
			running++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime":     time.Since(h.startTime).String(),
		"timestamp":  time.Now().UTC(),
		"started_at": status.StartedAt,
		"rtsp": gin.H{
			"connections":       status.Connections,
			"active_sessions":   len(status.Sessions),
			"clients":           clients,
			"running_pipelines": running,
		},
		"mounts": status.Mounts,
	})
}

func (h *HTTPServer) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": serviceName,
		"endpoints": gin.H{
			"GET /":              "API documentation",
			"GET /health":        "Service health check",
			"GET /sessions":      "List RTSP sessions",
			"GET /sessions/{id}": "Get detailed session information",
			"GET /config":        "Get service configuration",
			"GET /stats":         "Get server statistics",
			"GET /metrics":       "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
