// Package dashboard serves the read-only status API: stored results, counts
// by status, next job run times, a live event stream, and Prometheus metrics.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/metrics"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/store"
)

// DefaultPollInterval is how often the event stream checks the store.
const DefaultPollInterval = 3 * time.Second

// Store is the read side of the result store.
type Store interface {
	List(ctx context.Context, f store.Filter) ([]models.Result, error)
	Get(ctx context.Context, id string) (*models.Result, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Schedule reports job names and their next fire times.
type Schedule interface {
	Jobs() []string
	Next(name string) (time.Time, bool)
}

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Store        Store
	Schedule     Schedule // optional
	Metrics      *metrics.Metrics
	Port         int
	PollInterval time.Duration
	Out          io.Writer
}

// Start launches the status HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Status API running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dashboard: store is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}
