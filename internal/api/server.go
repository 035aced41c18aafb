// Package api exposes the spooler and device registry over HTTP and a
// WebSocket status channel.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/instalabel/internal/api/handlers"
	"github.com/orrn/instalabel/internal/api/middleware"
	"github.com/orrn/instalabel/internal/config"
	"github.com/orrn/instalabel/internal/core"
	"github.com/orrn/instalabel/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Hub is the publish/subscribe side of the status publisher.
type Hub interface {
	Subscribe(id string, buffer int) (<-chan core.Message, error)
	Unsubscribe(id string) error
	Publish(msg core.Message)
}

// Options wires the server. History, Archiver, Webhooks, Status, Auth and
// Settings are optional; their routes are only registered when set.
type Options struct {
	Spooler  handlers.Spooler
	Registry handlers.Registry
	Hub      Hub
	History  handlers.HistoryStore
	Archiver handlers.Archiver
	Webhooks handlers.WebhookSender
	Status   handlers.StatusChecker
	Auth     *middleware.AuthMiddleware
	Settings *config.Config
	Config   config.ServerConfig
	Logger   *zap.Logger
}

type Server struct {
	opts       Options
	dispatcher *handlers.Dispatcher
	engine     *gin.Engine
	logger     *zap.Logger
}

func NewServer(opts Options) *Server {
	logger := logging.NewComponentLogger(opts.Logger, "api")
	s := &Server{
		opts:       opts,
		dispatcher: handlers.NewDispatcher(opts.Spooler, opts.Registry, opts.Hub, opts.Logger),
		logger:     logger,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(s.logger))

	r.GET("/healthz", s.health)

	api := r.Group("/api")
	protected := api.Group("")
	socket := r.Group("")
	if auth := s.opts.Auth; auth != nil {
		api.POST("/auth/login", auth.LoginHandler)
		api.POST("/auth/logout", auth.LogoutHandler)
		api.GET("/auth/status", auth.StatusHandler)
		protected.Use(auth.RequireAuth())
		socket.Use(auth.RequireAuth())
	}

	socket.GET("/ws", s.serveWS)

	jobs := handlers.NewJobHandler(s.dispatcher, s.opts.Spooler)
	protected.POST("/print", jobs.Print)
	protected.GET("/queue", jobs.GetQueue)

	printers := handlers.NewPrinterHandler(s.opts.Registry, s.opts.Status)
	protected.GET("/printers", printers.ListPrinters)
	protected.POST("/printers/scan", printers.ScanWireless)
	protected.POST("/printers/refresh", printers.RefreshWireless)
	protected.GET("/printers/:name/status", printers.GetPrinterStatus)

	var counters handlers.CounterSource
	if s.opts.History != nil {
		counters = s.opts.History
	}
	dashboard := handlers.NewDashboardHandler(s.opts.Spooler, s.opts.Registry, counters)
	protected.GET("/dashboard", dashboard.GetDashboard)

	if s.opts.Settings != nil {
		settings := handlers.NewSettingsHandler(s.opts.Settings)
		protected.GET("/settings", settings.GetSettings)
	}

	if s.opts.History != nil {
		history := handlers.NewHistoryHandler(s.opts.History)
		protected.GET("/history", history.ListHistory)
		protected.GET("/counters", history.GetCounters)
	}

	if s.opts.Archiver != nil {
		archives := handlers.NewArchiveHandler(s.opts.Archiver)
		protected.GET("/archives", archives.ListArchives)
		protected.GET("/archives/:filename", archives.GetArchive)
		protected.POST("/archives/run", archives.TriggerArchive)
	}

	if s.opts.Webhooks != nil {
		hooks := handlers.NewWebhookHandler(s.opts.Webhooks, s.opts.Registry)
		protected.GET("/webhooks", hooks.ListWebhooks)
		protected.POST("/webhooks/:index/test", hooks.TestWebhook)
	}

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"queue_depth": len(s.opts.Spooler.QueueSnapshot()),
	})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
// Request contexts, including open sockets, derive from ctx.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.opts.Config
	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("address", cfg.Address))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
