// Package api exposes the medtrace core over HTTP.
package api

import (
	"context"
	"errors"
	"medtrace/internal/core"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options configures the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxUploadBytes bounds request bodies. Zero keeps the core image limit
	// plus room for multipart framing.
	MaxUploadBytes int64
	Issuer         *TokenIssuer
	Logger         *zap.Logger
	// Registerer receives the HTTP metrics; Gatherer, when set, is served
	// on /metrics.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server serves the medtrace API.
type Server struct {
	svc    *core.Service
	echo   *echo.Echo
	logger *zap.Logger
	http   *http.Server
}

// New builds the router for svc.
func New(svc *core.Service, opts Options) (*Server, error) {
	if svc == nil {
		return nil, errors.New("api: service is required")
	}
	if opts.Issuer == nil {
		return nil, errors.New("api: token issuer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := opts.MaxUploadBytes
	if maxBody <= 0 {
		maxBody = core.DefaultMaxImageBytes + 1<<20
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	s := &Server{svc: svc, echo: e, logger: logger}

	e.Use(requestIDMiddleware(logger))
	e.Use(requestLogMiddleware())
	if opts.Registerer != nil {
		e.Use(NewHTTPMetrics(opts.Registerer).Middleware())
	}
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit(maxBody)))

	e.GET("/health", s.health)
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	g := e.Group("/api", identityMiddleware(opts.Issuer))
	g.GET("/me", s.me)

	g.POST("/lots", s.createLot)
	g.GET("/lots", s.listLots)
	g.GET("/lots/by-number/:number", s.getLotByNumber)
	g.GET("/lots/:id", s.getLot)
	g.GET("/lots/:id/verifications", s.listLotVerifications)
	g.GET("/lots/:id/distributions", s.listLotDistributions)

	g.POST("/verifications", s.intake)
	g.GET("/verifications", s.listVerifications)
	g.POST("/verifications/bulk", s.bulk)
	g.GET("/verifications/by-hash/:hash", s.getVerificationByHash)
	g.GET("/verifications/:id", s.getVerification)
	g.POST("/verifications/:id/link", s.link)
	g.POST("/verifications/:id/unlink", s.unlink)
	g.POST("/verifications/:id/approve", s.approve)
	g.POST("/verifications/:id/reject", s.reject)

	g.POST("/distributions", s.createDistribution)
	g.GET("/distributions", s.listDistributions)
	g.GET("/distributions/:id", s.getDistribution)

	g.GET("/audit", s.listAudit)
	g.GET("/audit/export", s.exportAudit)

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}
	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// ListenAndServe blocks until the server stops. A graceful Shutdown yields nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// bodyLimit renders n in the K/M notation echo's BodyLimit parses,
// rounding up to a whole kilobyte.
func bodyLimit(n int64) string {
	const mb, kb = 1 << 20, 1 << 10
	if n%mb == 0 {
		return strconv.FormatInt(n/mb, 10) + "M"
	}
	return strconv.FormatInt((n+kb-1)/kb, 10) + "K"
}
