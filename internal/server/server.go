// Package server exposes the loader over HTTP for dashboard clients:
// query submission, progress polling, and cache administration.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/limnetic/sonde/internal/config"
	"github.com/limnetic/sonde/internal/coordinator"
	serrors "github.com/limnetic/sonde/internal/errors"
	"github.com/limnetic/sonde/internal/logging"
	"github.com/limnetic/sonde/internal/measure"
)

var log = logging.Component("server")

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg    config.ServerConfig
	coord  *coordinator.Coordinator
	engine *gin.Engine
}

// New constructs a server with routes and middleware.
func New(cfg config.ServerConfig, coord *coordinator.Coordinator) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	if cfg.BearerToken != "" {
		engine.Use(bearerAuthMiddleware(cfg.BearerToken))
	}

	server := &Server{cfg: cfg, coord: coord, engine: engine}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "state": s.coord.State().String()})
	})

	v1 := s.engine.Group("/api/v1")

	redox := v1.Group("/redox")
	{
		redox.POST("/query", s.handleQuery)
		redox.GET("/progress", s.handleProgress)
	}

	cache := v1.Group("/cache")
	{
		cache.POST("/clear", s.handleCacheClear)
	}
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != expected {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// queryRequest is the POST /api/v1/redox/query body. StartMs/EndMs take
// precedence over Preset when both are given.
type queryRequest struct {
	Sites    []string `json:"sites" binding:"required"`
	Preset   string   `json:"preset"`
	StartMs  int64    `json:"start_ms"`
	EndMs    int64    `json:"end_ms"`
	Fidelity string   `json:"fidelity"`
	View     string   `json:"view"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Sites) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one site is required"})
		return
	}

	filters := coordinator.Filters{
		Sites:    req.Sites,
		Preset:   req.Preset,
		Fidelity: measure.ParseFidelity(req.Fidelity),
		View:     req.View,
	}
	if req.StartMs != 0 || req.EndMs != 0 {
		filters.Window = measure.Window{
			Start: time.UnixMilli(req.StartMs).UTC(),
			End:   time.UnixMilli(req.EndMs).UTC(),
		}
		if !filters.Window.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start_ms must be before end_ms"})
			return
		}
	}

	ds, err := s.coord.RequestData(c.Request.Context(), filters)
	if err != nil {
		switch {
		case errors.Is(err, serrors.ErrRequestSuperseded):
			c.JSON(http.StatusConflict, gin.H{"error": "request superseded by a newer one"})
		case serrors.IsValidation(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}

	anomalies := make(map[string]string, len(ds.Anomalies))
	for site, aerr := range ds.Anomalies {
		anomalies[site] = aerr.Error()
	}

	c.JSON(http.StatusOK, gin.H{
		"key":       ds.Key.String(),
		"epoch":     ds.Epoch,
		"count":     len(ds.Records),
		"records":   ds.Records,
		"series":    ds.Series,
		"anomalies": anomalies,
	})
}

func (s *Server) handleProgress(c *gin.Context) {
	p := s.coord.Progress()

	c.JSON(http.StatusOK, gin.H{
		"state":          s.coord.State().String(),
		"mode":           p.Mode,
		"per_site":       p.PerSite,
		"total_loaded":   p.TotalLoaded,
		"total_expected": p.TotalExpected,
	})
}

func (s *Server) handleCacheClear(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if err := s.coord.ClearCache(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
