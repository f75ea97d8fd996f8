package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"golang.org/x/net/trace"
)

// DebugHandler serves /debug/cache (a JSON dump of cache occupancy)
// and /debug/requests (the golang.org/x/net/trace event log for every
// CacheStats call), the plain net/http debug surface the teacher runs
// alongside its FUSE request loop rather than folding into the gRPC
// service itself.
func DebugHandler(srv *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/cache", func(w http.ResponseWriter, r *http.Request) {
		st, err := srv.CacheStats(context.Background(), nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st.AsMap())
	})
	mux.HandleFunc("/debug/requests", func(w http.ResponseWriter, r *http.Request) {
		authorized, sensitive := trace.AuthRequest(r)
		if !authorized {
			http.Error(w, "not authorized", http.StatusForbidden)
			return
		}
		trace.Render(w, r, sensitive)
	})
	return mux
}
