package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tuic-go/tuicd/pkg/logger"
)

// Server is the RESTful admin HTTP surface described in SPEC_FULL.md
// §6.3: POST /kick, GET /online, GET /detailed_online, GET /traffic,
// GET /reset_traffic. Grounded on restful.rs's axum Router, translated
// to net/http.ServeMux in the teacher's web/gateway/server.go idiom.
type Server struct {
	store   *Store
	secret  string
	limiter *rate.Limiter
	http    *http.Server
}

// NewServer builds an admin Server bound to addr. secret may be empty,
// in which case every request is accepted unauthenticated, matching
// restful.rs's "if secret is empty, skip the check" behavior.
func NewServer(addr, secret string, store *Store) *Server {
	s := &Server{
		store: store,
		secret: secret,
		// A generous steady rate with burst headroom: the admin surface
		// is a low-traffic operational interface, not a client-facing
		// one, so this only guards against runaway scripted polling.
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /kick", s.withAuth(s.handleKick))
	mux.HandleFunc("GET /online", s.withAuth(s.handleOnline))
	mux.HandleFunc("GET /detailed_online", s.withAuth(s.handleDetailedOnline))
	mux.HandleFunc("GET /traffic", s.withAuth(s.handleTraffic))
	mux.HandleFunc("GET /reset_traffic", s.withAuth(s.handleResetTraffic))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.withRateLimit(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run starts listening and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()
	logger.Info("admin server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces the optional bearer-token check from restful.rs:
// every handler skips the check when secret is empty, otherwise rejects
// a missing or mismatching token with 401.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	var ids []uuid.UUID
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.store.Kick(ids)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Online())
}

func (s *Server) handleDetailedOnline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.DetailedOnline())
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, trafficJSON(s.store.Traffic()))
}

func (s *Server) handleResetTraffic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, trafficJSON(s.store.ResetTraffic()))
}

func trafficJSON(m map[uuid.UUID][2]uint64) map[uuid.UUID]map[string]uint64 {
	out := make(map[uuid.UUID]map[string]uint64, len(m))
	for id, pair := range m {
		out[id] = map[string]uint64{"tx": pair[0], "rx": pair[1]}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("admin: failed to encode response", "err", err)
	}
}
