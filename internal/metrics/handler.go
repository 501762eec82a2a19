package metrics

import "net/http"

// Handler returns a new ServeMux with the Prometheus scrape endpoint
// registered at /metrics, serving the current state of registry on each
// request. Every other path gets a 404.
func Handler(registry *Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		registry.WritePrometheus(w)
	})
	return mux
}
