// Package server is the HTTP surface over the agent: thread turns (JSON or NDJSON
// streaming), checkpoint inspection and table management.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/floegence/sqlagent/internal/ai"
	"github.com/floegence/sqlagent/internal/monitor"
	"github.com/floegence/sqlagent/internal/tabular"
)

const defaultMaxUploadBytes = 64 << 20

type Options struct {
	Service *ai.Service
	Tables  *tabular.Store
	Monitor *monitor.Service
	Logger  *slog.Logger
	Version string
	// MaxUploadBytes caps one CSV upload request. Defaults to 64 MiB.
	MaxUploadBytes int64
	// MCP, when set, is mounted at /mcp (streamable HTTP transport).
	MCP http.Handler
}

type Server struct {
	echo    *echo.Echo
	svc     *ai.Service
	tables  *tabular.Store
	mon     *monitor.Service
	log     *slog.Logger
	version string
}

// apiResp is the envelope of every non-streaming response.
type apiResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("missing service")
	}
	if opts.Tables == nil {
		return nil, errors.New("missing tables")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mon := opts.Monitor
	if mon == nil {
		mon = monitor.NewService(logger, 0, nil)
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds()}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			logger.Debug("http request", attrs...)
			return nil
		},
	}))

	s := &Server{
		echo:    e,
		svc:     opts.Service,
		tables:  opts.Tables,
		mon:     mon,
		log:     logger,
		version: strings.TrimSpace(opts.Version),
	}

	e.GET("/healthz", s.healthz)
	if opts.MCP != nil {
		e.Any("/mcp", echo.WrapHandler(opts.MCP))
	}

	api := e.Group("/api")
	api.POST("/threads", s.createThread)
	api.GET("/threads", s.listThreads)
	api.GET("/threads/:id", s.getThread)
	api.DELETE("/threads/:id", s.deleteThread)
	api.GET("/threads/:id/checkpoints", s.listCheckpoints)
	api.GET("/threads/:id/checkpoints/:seq", s.getCheckpoint)
	api.POST("/threads/:id/messages", s.postMessage)
	api.POST("/threads/:id/resume", s.resume)
	api.POST("/threads/:id/interrupt", s.resolveInterrupt)

	tables := api.Group("/tables")
	tables.POST("", s.uploadTables, middleware.BodyLimit(bodyLimit(maxUpload)))
	tables.GET("", s.listTables)
	tables.DELETE("", s.dropAllTables)
	tables.GET("/:name", s.describeTable)
	tables.DELETE("/:name", s.dropTable)

	return s, nil
}

// bodyLimit renders n in the unit syntax BodyLimit expects.
func bodyLimit(n int64) string {
	if n%(1<<20) == 0 {
		return strconv.FormatInt(n>>20, 10) + "M"
	}
	return strconv.FormatInt((n+1023)/1024, 10) + "K"
}

func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, apiResp{OK: true, Data: map[string]any{
		"status":  "ok",
		"version": s.version,
		"monitor": s.mon.Snapshot(c.Request().Context()),
	}})
}
