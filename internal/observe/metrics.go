package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Requests counts Data API calls by operation and outcome
	// ("ok", "unauthorized", "source", "transport", "request", "unknown").
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fmextractor_requests_total",
		Help: "FileMaker Data API requests by operation and outcome.",
	}, []string{"op", "outcome"})

	// Pages counts cursor pages fetched per layout.
	Pages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fmextractor_pages_total",
		Help: "Cursor pages fetched.",
	}, []string{"layout"})

	// Rows counts decoded rows emitted per layout.
	Rows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fmextractor_rows_total",
		Help: "Rows decoded and emitted to the host.",
	}, []string{"layout"})

	// Renewals counts session token renewals triggered by expired sessions.
	Renewals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fmextractor_session_renewals_total",
		Help: "Session token renewals after an unauthorized response.",
	})

	// Cursors counts server-side cursors created per layout.
	Cursors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fmextractor_cursors_created_total",
		Help: "Server-side cursors created.",
	}, []string{"layout"})
)

// Register adds all collectors to reg. Call once per registry.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{Requests, Pages, Rows, Renewals, Cursors} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the HTTP handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
