package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ggonzalez94/defi-custody/internal/execution"
	"github.com/ggonzalez94/defi-custody/internal/logging"
)

const (
	APIVersion = "v1"

	shutdownTimeout = 5 * time.Second
)

// Executor is the slice of the trade lifecycle the HTTP surface drives.
type Executor interface {
	Execute(ctx context.Context, tradeID string, maxWait time.Duration) (execution.ExecuteResult, error)
	Poll(ctx context.Context, tradeID string, maxWait time.Duration) (execution.PollResult, error)
	Reconcile(ctx context.Context, limit int) (execution.ReconcileResult, error)
	Wrap(ctx context.Context, req execution.WrapRequest) (execution.WrapResult, error)
}

// TradeReader serves the read-only trade endpoints.
type TradeReader interface {
	Get(ctx context.Context, id string) (execution.Trade, error)
	List(ctx context.Context, status execution.TradeStatus, limit int) ([]execution.Trade, error)
	Events(ctx context.Context, tradeID string) ([]execution.TradeEvent, error)
}

type Config struct {
	Addr     string
	APIToken string
	// MaxWait caps maxWaitMs on execute and receipt requests.
	MaxWait   time.Duration
	ChainID   int64
	Custodial string
	Signer    string
	DryRun    bool
	Version   string
}

type Server struct {
	cfg    Config
	exec   Executor
	trades TradeReader
	engine *gin.Engine
	logger zerolog.Logger
	srv    *http.Server
}

func New(cfg Config, exec Executor, trades TradeReader) *Server {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Minute
	}
	s := &Server{
		cfg:    cfg,
		exec:   exec,
		trades: trades,
		logger: logging.Component("http"),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metricsMiddleware())
	r.Use(requestLogger(s.logger))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/" + APIVersion)
	api.Use(bearerAuth(s.cfg.APIToken))

	trades := api.Group("/trades")
	trades.GET("", s.listTrades)
	trades.GET("/:id", s.getTrade)
	trades.GET("/:id/events", s.tradeEvents)
	trades.POST("/:id/execute", s.executeTrade)
	trades.GET("/:id/receipt", s.tradeReceipt)

	api.POST("/wrap", s.wrap)
	api.POST("/reconcile", s.reconcile)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Bool("dry_run", s.cfg.DryRun).Msg("http server started")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("failed to stop http server")
		return err
	}
	s.logger.Info().Msg("http server stopped gracefully")
	return <-errCh
}
