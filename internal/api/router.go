package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Nimastz/resilient-mesh-messaging/internal/api/middleware"
)

// NewRouter builds the full HTTP surface (§6): every route requires
// device authentication; a pre-auth rate limiter guards the credential
// check itself; debug/admin routes are registered but answer 404 unless
// DebugMode is on.
func NewRouter(s *Server) http.Handler {
	r := mux.NewRouter()

	authLimiter := middleware.NewAuthRateLimiter(5, 10)
	authMW := middleware.Auth(func(req *http.Request) (string, bool) {
		deviceFP := req.Header.Get("X-Device-Fp")
		if deviceFP == "" {
			return "", false
		}
		return s.lookupDeviceTokenHash(deviceFP)
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer(s.Log))
	r.Use(authLimiter.Middleware)
	r.Use(authMW)

	r.HandleFunc("/v1/router/enqueue", s.handleEnqueue).Methods(http.MethodPost)
	r.HandleFunc("/v1/router/on_chunk_received", s.handleOnChunkReceived).Methods(http.MethodPost)
	r.HandleFunc("/v1/router/mark_delivered", s.handleMarkDelivered).Methods(http.MethodPost)
	r.HandleFunc("/v1/router/outgoing_chunks", s.handleOutgoingChunks).Methods(http.MethodGet)

	r.HandleFunc("/v1/router/queue_debug", s.requireDebug(s.handleQueueDebug)).Methods(http.MethodGet)
	r.HandleFunc("/v1/router/stats", s.requireDebug(s.handleStats)).Methods(http.MethodGet)
	r.HandleFunc("/v1/router/ids_log_tail", s.requireDebug(s.handleIDSLogTail)).Methods(http.MethodGet)

	return r
}

// requireDebug answers 404 for the wrapped handler unless the server was
// started in DEBUG_MODE (§4.4).
func (s *Server) requireDebug(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Cfg.DebugMode {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}
}
