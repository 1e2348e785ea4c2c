// Package server exposes the scene runtime over HTTP: REST endpoints for
// bootstrap, ticks, intents, questions and snapshots, plus a server-sent
// event stream of committed scene events.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/api/schemas"
	"github.com/xkilldash9x/spacegraph/internal/config"
	"github.com/xkilldash9x/spacegraph/internal/runtime"
)

// Server wraps an echo instance around a runtime core.
type Server struct {
	echo   *echo.Echo
	core   *runtime.Core
	cfg    config.ServerConfig
	stream *broadcaster
	logger *zap.Logger
}

// New builds the HTTP frontend and registers its routes. The server
// subscribes to the core's event feed once, at construction.
func New(core *runtime.Core, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		core:   core,
		cfg:    cfg,
		stream: newBroadcaster(),
		logger: logger.Named("server"),
	}
	core.Subscribe(s.stream)

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("Request handled.",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	api := e.Group("/api")
	api.POST("/scene/load", s.loadScene)
	api.POST("/tick", s.tick)
	api.POST("/intent", s.applyIntent)
	api.POST("/intents", s.applyIntents)
	api.POST("/ask", s.ask)
	api.GET("/snapshot", s.snapshot)
	api.GET("/export", s.export)
	api.GET("/events", s.events)
	api.GET("/events/stream", s.streamEvents)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server.", zap.String("addr", s.cfg.Addr))
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// Handler exposes the route tree, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type errorResponse struct {
	Message string `json:"message"`
}

// httpError maps core error kinds onto HTTP status codes.
func httpError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case schemas.IsKind(err, schemas.KindNotFound),
		schemas.IsKind(err, schemas.KindDanglingRef):
		status = http.StatusNotFound
	case schemas.IsKind(err, schemas.KindBadIntent),
		schemas.IsKind(err, schemas.KindBadBootstrap):
		status = http.StatusBadRequest
	case schemas.IsKind(err, schemas.KindTimeout),
		schemas.IsKind(err, schemas.KindTickOverrun):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, errorResponse{Message: err.Error()})
}

func (s *Server) loadScene(c echo.Context) error {
	doc := new(schemas.BootstrapFile)
	if err := c.Bind(doc); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid bootstrap document"})
	}
	if err := s.core.LoadBootstrap(doc); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"scene_id": s.core.Store().SceneID()})
}

func (s *Server) tick(c echo.Context) error {
	n := 1
	if raw := c.QueryParam("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return c.JSON(http.StatusBadRequest, errorResponse{Message: "n must be a positive integer"})
		}
		n = parsed
	}
	if err := s.core.RunTicks(c.Request().Context(), n); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"ticks": n})
}

func (s *Server) applyIntent(c echo.Context) error {
	in := new(schemas.Intent)
	if err := c.Bind(in); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid intent body"})
	}
	res, err := s.core.ApplyIntent(c.Request().Context(), *in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) applyIntents(c echo.Context) error {
	var intents []schemas.Intent
	if err := c.Bind(&intents); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid intent batch"})
	}
	results, err := s.core.ApplyIntents(c.Request().Context(), intents)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, results)
}

type askRequest struct {
	Question string `json:"question"`
}

func (s *Server) ask(c echo.Context) error {
	req := new(askRequest)
	if err := c.Bind(req); err != nil || req.Question == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Body must carry a question"})
	}
	answer, err := s.core.Ask(c.Request().Context(), req.Question)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) snapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, s.core.Snapshot())
}

func (s *Server) export(c echo.Context) error {
	return c.JSON(http.StatusOK, s.core.Store().Snapshot())
}

func (s *Server) events(c echo.Context) error {
	return c.JSON(http.StatusOK, s.core.Events())
}
