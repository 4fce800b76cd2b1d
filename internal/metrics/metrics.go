// Package metrics exposes relay counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ppiankov/chanrelay/internal/logging"
)

// Poll results.
const (
	ResultOK        = "ok"
	ResultFetchFail = "fetch_failed"
	ResultPersist   = "persist_failed"
	ResultError     = "error"
)

var (
	Polls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanrelay_polls_total",
			Help: "Poll iterations by result",
		},
		[]string{"result"},
	)

	MessagesForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chanrelay_messages_forwarded_total",
			Help: "New messages handed to the sink set",
		},
	)

	SinkDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanrelay_sink_deliveries_total",
			Help: "Per-sink delivery attempts by result",
		},
		[]string{"sink", "result"},
	)

	CursorSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chanrelay_cursor_saves_total",
			Help: "Cursor writes by result",
		},
		[]string{"result"},
	)

	CursorID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chanrelay_cursor_id",
			Help: "Last persisted message id (precision is lost above 2^53)",
		},
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chanrelay_poll_duration_seconds",
			Help:    "Wall time of one poll iteration",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120},
		},
	)
)

// Serve exposes /metrics on addr until ctx is done. An empty addr is a no-op.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
