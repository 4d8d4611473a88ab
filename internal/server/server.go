// Package server exposes the pipeline state over a read-only HTTP API.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/internal/config"
	"github.com/Aidin1998/quotefeed/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/quotefeed/internal/marketdata"
	"github.com/Aidin1998/quotefeed/internal/marketfeeds"
	"github.com/Aidin1998/quotefeed/internal/ws"
	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/models"
)

// QuoteReader serves aggregated quotes and source information.
type QuoteReader interface {
	Quote(symbol string) (models.AggregatedQuote, bool)
	Quotes() []models.AggregatedQuote
	Symbols() []string
	Sources() []marketfeeds.SourceConfig
	SourceStats() map[string]marketfeeds.SourceStats
}

// BarReader serves cached raw points and bars.
type BarReader interface {
	GetData(symbol string, kind marketdata.DataKind, r *models.TimeRange) (marketdata.Series, error)
	ExportData(symbol string, format marketdata.Format) ([]byte, error)
	Symbols() []string
}

// ArchiveReader serves bars that aged out of the cache.
type ArchiveReader interface {
	Range(symbol string, r models.TimeRange) ([]models.CompressedBar, error)
}

// LimitReader reports rate limiter budgets.
type LimitReader interface {
	Status(provider string) ratelimit.RateLimitStatus
	Providers() []string
}

// ConnectionReporter reports the state of every source connection.
type ConnectionReporter interface {
	ConnectionStates() map[string]ws.ConnectionState
}

// HealthChecker reports whether a downstream dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API reads from. Archive, Connections and
// Distribution may be nil.
type Deps struct {
	Quotes       QuoteReader
	Bars         BarReader
	Archive      ArchiveReader
	Limits       LimitReader
	Connections  ConnectionReporter
	Distribution HealthChecker
	Gatherer     prometheus.Gatherer
}

// Server is the HTTP query API.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *zap.Logger
	router *gin.Engine
}

// New builds the router.
func New(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("http"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.New(corsConfig(s.cfg.AllowedOrigins)))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/quotes", s.handleQuotes)
		v1.GET("/quotes/:symbol", s.handleQuote)
		v1.GET("/bars/:symbol", s.handleBars)
		v1.GET("/bars/:symbol/export", s.handleExport)
		v1.GET("/archive/:symbol", s.handleArchive)
		v1.GET("/sources", s.handleSources)
		v1.GET("/ratelimit", s.handleRateLimits)
		v1.GET("/ratelimit/:provider", s.handleRateLimit)
	}

	router.NoRoute(func(c *gin.Context) {
		writeProblem(c, errors.NewNotFoundError("no route for "+c.Request.URL.Path, c.Request.URL.Path))
	})
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", zap.String("addr", srv.Addr))
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

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("Shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
