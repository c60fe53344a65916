package stats

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dev.c0redev.kalive/internal/directory"
	"dev.c0redev.kalive/internal/tunnel"
)

// MetricsSink receives periodic reports.
type MetricsSink interface {
	ReportMetrics(ctx context.Context, m directory.Metrics) error
}

// Reporter pushes collector counters (and ping, when a session is up) every Interval.
type Reporter struct {
	Collector *Collector
	Sink      MetricsSink
	Interval  time.Duration
	// Session opt; queried with a short timeout so a renegotiating tunnel doesn't stall reports.
	Session func(ctx context.Context) (tunnel.SessionStats, error)
	Log     logrus.FieldLogger
}

// Run reports until ctx is done. Report failures are logged and skipped.
func (r *Reporter) Run(ctx context.Context) {
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := r.Report(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Debug("metrics report failed")
		}
	}
}

// Report sends one sample.
func (r *Reporter) Report(ctx context.Context) error {
	snap := r.Collector.Snapshot()
	m := directory.Metrics{Exit: snap.Exit, TotalTx: snap.TotalTx, TotalRx: snap.TotalRx}
	if r.Session != nil && snap.Exit != "" {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		st, err := r.Session(sctx)
		cancel()
		if err == nil {
			m.PingMs = st.Ping.Milliseconds()
		}
	}
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return r.Sink.ReportMetrics(rctx, m)
}
