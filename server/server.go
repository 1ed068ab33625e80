// Package server exposes the enhancement pipeline over HTTP, one pipeline per session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chaos-io/megaphototool/config"
	"github.com/chaos-io/megaphototool/enhance"
	"github.com/chaos-io/megaphototool/enhance/rembg"
	"github.com/chaos-io/megaphototool/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

type Options struct {
	Config  *config.Config
	Remover rembg.Remover
	Logger  *slog.Logger
}

type Server struct {
	cfg *config.Config
	log *slog.Logger

	engine     *gin.Engine
	store      *Store
	limiter    *rate.Limiter
	cron       *cron.Cron
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	remover := opts.Remover
	if remover == nil {
		remover = rembg.NewDefaultRemBG()
	}

	filter, err := enhance.ParseFilter(cfg.Process.Filter)
	if err != nil {
		return nil, err
	}
	resampler := enhance.NewResampler(filter)

	s := &Server{
		cfg:     cfg,
		log:     logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.Server.UploadRate), cfg.Server.UploadBurst),
		cron:    cron.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.store = NewStore(func() *pipeline.Pipeline {
		return pipeline.New(pipeline.Options{
			Remover:           remover,
			Resampler:         resampler,
			MaxBoost:          cfg.Process.MaxBoost,
			MaxSize:           cfg.Process.MaxSize,
			SkipIfTransparent: cfg.Process.SkipIfTransparent,
			Logger:            logger,
		})
	}, cfg.Server.SessionTTL, logger)

	if _, err := s.cron.AddFunc(cfg.Server.CleanupSpec, func() { s.store.Sweep() }); err != nil {
		return nil, fmt.Errorf("schedule session cleanup %q: %w", cfg.Server.CleanupSpec, err)
	}

	s.engine = gin.New()
	s.engine.MaxMultipartMemory = cfg.MaxUploadBytes()
	s.engine.Use(gin.Recovery(), requestLogger(logger))
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.engine
	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.GET("/socketio", s.handleSocketIO)
	api.POST("/socketio", s.handleSocketIO)
	api.POST("/sessions", s.handleCreateSession)

	sess := api.Group("/sessions/:id")
	sess.GET("", s.handleGetSession)
	sess.DELETE("", s.handleDeleteSession)
	sess.POST("/upload", rateLimit(s.limiter), s.handleUpload)
	sess.PUT("/params", s.handleParams)
	sess.GET("/original", s.handleOriginal)
	sess.GET("/preview", s.handlePreview)
	sess.GET("/download", s.handleDownload)
	sess.DELETE("/result", s.handleReset)
	sess.GET("/events", s.handleEvents)
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Store() *Store {
	return s.store
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
		s.store.CloseAll()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.log.Info("server listening", "addr", s.cfg.Server.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
