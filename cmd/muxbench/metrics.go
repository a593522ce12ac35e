package main

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gorilla/mux"
)

// newMetricsRouter serves the scheduler metrics in set, followed by process
// metrics, on GET /metrics.
func newMetricsRouter(set *metrics.Set) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		set.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	}).Methods(http.MethodGet, http.MethodHead)
	return r
}
