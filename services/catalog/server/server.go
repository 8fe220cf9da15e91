// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the operational HTTP endpoints of the catalog
// service: liveness, readiness and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Probe reports the state of the catalog's stores.
//
// *catalog.Coordinator satisfies it.
type Probe interface {
	// Ping checks the primary store.
	Ping(ctx context.Context) error

	// SearchMode names the backend that would serve a search now.
	SearchMode() string

	// SearchPrimary names the configured primary search backend, or "none".
	SearchPrimary() string
}

// Config configures the server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration

	// ServiceName names the otelgin server spans.
	ServiceName string

	// Metrics serves /metrics. Nil uses the default Prometheus registry.
	Metrics http.Handler

	// PingTimeout bounds the readiness store check. Default 2s.
	PingTimeout time.Duration

	Logger *slog.Logger
}

// Server is the operational HTTP server.
type Server struct {
	cfg    Config
	probe  Probe
	router *gin.Engine
	logger *slog.Logger
}

// New builds the router. Call Run to serve.
func New(cfg Config, probe Probe) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "catalog"
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}

	s := &Server{
		cfg:    cfg,
		probe:  probe,
		logger: cfg.Logger.With(slog.String("component", "http")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(s.accessLog())

	router.GET("/healthz", s.healthz)
	router.GET("/readyz", s.readyz)
	router.GET("/metrics", gin.WrapH(cfg.Metrics))
	s.router = router
	return s
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on Addr until ctx is cancelled, then shuts down gracefully.
//
// Outputs:
//
//	error - Listen failures. A clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	<-errCh
	return nil
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readyz is ready while the primary store answers. A degraded search
// backend is reported but does not fail readiness, since searches still
// succeed through the fallback.
func (s *Server) readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.PingTimeout)
	defer cancel()

	primary := s.probe.SearchPrimary()
	mode := s.probe.SearchMode()
	search := gin.H{
		"primary":  primary,
		"mode":     mode,
		"degraded": mode != primary,
	}

	if err := s.probe.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"store":  "unreachable",
			"search": search,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"store":  "ok",
		"search": search,
	})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}
