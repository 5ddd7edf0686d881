package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	cidpkg "github.com/majackson2003/walkie-talkie-mvp/internal/cid"
	"github.com/majackson2003/walkie-talkie-mvp/internal/config"
	"github.com/majackson2003/walkie-talkie-mvp/internal/emergency"
	"github.com/majackson2003/walkie-talkie-mvp/internal/eventloop"
	"github.com/majackson2003/walkie-talkie-mvp/internal/gateway"
	"github.com/majackson2003/walkie-talkie-mvp/internal/ingest"
	"github.com/majackson2003/walkie-talkie-mvp/internal/state"
	"github.com/majackson2003/walkie-talkie-mvp/internal/store"
)

const version = "0.1.0"

// Server wires the HTTP surface to the gateway and owns the background
// workers: the event loop, the retention janitor and rate table maintenance.
type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	store   store.Store
	loop    *eventloop.Loop
	gateway *gateway.Gateway
	janitor *store.Janitor
	router  *gin.Engine
	http    *http.Server

	cancel  context.CancelFunc
	started time.Time
}

func NewServer(cfg config.Config, st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	loop := eventloop.New(cfg.Loop.QueueSize, logger)
	sessions := state.NewManager(cfg.SessionConfig(), st, logger)
	pipe := ingest.New(cfg.IngestConfig(), sessions, st, logger)
	coord := emergency.New(cfg.EmergencyConfig(), sessions, st, logger)
	gw := gateway.New(gateway.Config{
		SendBuffer: cfg.WS.SendBuffer,
		ReadLimit:  cfg.WS.ReadLimit,
	}, loop, sessions, pipe, coord, logger)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		loop:    loop,
		gateway: gw,
	}
	s.janitor = &store.Janitor{
		Store:    st,
		Policy:   cfg.RetentionPolicy(),
		Interval: cfg.Retention.Interval,
		Timeout:  30 * time.Second,
		Active:   gw.ActiveCodes,
		Logger:   logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.cidMiddleware())
	r.Use(s.otelMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "walkie",
		})
	})

	r.GET("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Walkie-Talkie voice clip server",
			"version": version,
		})
	})

	r.GET("/api/stats", func(c *gin.Context) {
		stats, err := s.gateway.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	r.GET("/api/channels", func(c *gin.Context) {
		channels, err := s.gateway.Channels(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"channels": channels})
	})

	r.GET("/ws", s.handleWebSocket)
	s.router = r
}

// Start launches the background workers. It does not listen; use Serve or
// mount s.router yourself.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = time.Now()
	go s.loop.Run(ctx)
	go s.janitor.Run(ctx)
	go s.gateway.RunMaintenance(ctx, s.cfg.Audio.RateWindow)
}

// Serve listens on the configured address until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "addr", s.cfg.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(shutdownCtx)
}

// Stop closes websocket sessions, drains HTTP and stops the workers.
func (s *Server) Stop(ctx context.Context) error {
	s.gateway.CloseAll()
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.loop.Done():
		case <-ctx.Done():
		}
	}
	s.store.Close()
	return err
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.gateway.ServeWS(c.Writer, c.Request)
}

// cidMiddleware ensures every request and websocket session carries a
// correlation id, reusing the incoming one when present.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := cidpkg.OrNew(c.GetHeader(cidpkg.HeaderName))
		c.Request = c.Request.WithContext(cidpkg.With(c.Request.Context(), id))
		c.Writer.Header().Set(cidpkg.HeaderName, id)
		c.Next()
	}
}

// otelMiddleware starts a server span per request.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tracer := otel.Tracer("walkie/http")
		attrs := []attribute.KeyValue{
			semconv.HTTPMethodKey.String(c.Request.Method),
			semconv.HTTPTargetKey.String(c.Request.URL.Path),
		}
		if id := cidpkg.From(c.Request.Context()); id != "" {
			attrs = append(attrs, attribute.String(cidpkg.AttributeName, id))
		}
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.Request.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
