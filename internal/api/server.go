// Package api exposes the run registry and the scheduling hook over HTTP.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /pipelines
//	POST /pipelines/:id/runs
//	GET  /runs?pipeline=&status=&limit=
//	GET  /runs/:id
//	GET  /runs/:id/reports
//	POST /runs/:id/rollback
//	GET  /breakers
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/metrics"
	"github.com/canectors/dataflow/internal/runtime"
)

// Server serves the HTTP API for an engine.
type Server struct {
	engine  *runtime.Engine
	metrics *metrics.Recorder
	router  *gin.Engine
}

// New builds the router. recorder may be nil, in which case /metrics is not
// mounted.
func New(engine *runtime.Engine, recorder *metrics.Recorder) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{engine: engine, metrics: recorder, router: router}

	router.GET("/healthz", s.health)
	if recorder != nil {
		router.GET("/metrics", gin.WrapH(recorder.Handler()))
	}

	router.GET("/pipelines", s.listPipelines)
	router.POST("/pipelines/:id/runs", s.startRun)

	runs := router.Group("/runs")
	{
		runs.GET("", s.listRuns)
		runs.GET("/:id", s.getRun)
		runs.GET("/:id/reports", s.getReports)
		runs.POST("/:id/rollback", s.rollback)
	}

	router.GET("/breakers", s.breakers)
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pipelines": len(s.engine.Pipelines())})
}
