// Package dashboard serves a read-only JSON view of the running market:
// orchestrator stats, agents, market state, the journal and a live event
// stream.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xChokes/mercado-sub000/internal/endpoint"
	"github.com/xChokes/mercado-sub000/internal/journal"
	"github.com/xChokes/mercado-sub000/internal/models"
	"github.com/xChokes/mercado-sub000/internal/orchestrator"
	"github.com/xChokes/mercado-sub000/internal/protocol"
)

// Market is the orchestrator surface the dashboard reads.
type Market interface {
	Stats() orchestrator.Stats
	Registrations() []protocol.Registration
	Registration(id string) (protocol.Registration, bool)
	Endpoint(id string) (*endpoint.Endpoint, bool)
	Market() *orchestrator.MarketState
}

// Journal is the journal surface the dashboard reads.
type Journal interface {
	Messages(ctx context.Context, f journal.MessageFilter) ([]models.Message, error)
	Anomalies(ctx context.Context, f journal.AnomalyFilter) ([]models.Anomaly, error)
	Cycles(ctx context.Context, n int) ([]models.Cycle, error)
	Summarize(ctx context.Context, since time.Time) (journal.Summary, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Market  Market
	Journal Journal // optional; journal routes answer 503 without it
	Port    int
	Out     io.Writer
	Logger  *slog.Logger

	// PollInterval and Heartbeat pace the event stream (defaults 2s and 15s).
	PollInterval time.Duration
	Heartbeat    time.Duration
}

func (o *StartOpts) applyDefaults() {
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// NewRouter builds the gin engine without starting a listener.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Market == nil {
		return nil, fmt.Errorf("dashboard: market is required")
	}
	opts.applyDefaults()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	opts.applyDefaults()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}
	opts.Logger.Info("dashboard: listening", "port", opts.Port)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
