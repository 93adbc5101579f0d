// Package api exposes a small HTTP diagnostics surface over a driver's
// routing table: health, occupancy stats, a routing-table trace, and
// closest-peer lookups. Mutating/identity-revealing endpoints sit behind
// the authentication package's challenge/response session scheme.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kadmesh/kadmesh/pkg/authentication"
	"github.com/kadmesh/kadmesh/pkg/driver"
	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/logging"
	"github.com/kadmesh/kadmesh/pkg/persistence"
)

// Server serves the diagnostics API for a single driver.
type Server struct {
	driver     *driver.Driver
	auth       *authentication.Server
	cache      *persistence.RedisCache // optional; nil disables lookup caching
	httpServer *http.Server
	logger     *logging.Logger
	startedAt  time.Time
}

// NewServer builds a Server listening on addr (e.g. ":8080"). cache may be
// nil, in which case peer lookups always hit the routing table directly.
func NewServer(addr string, d *driver.Driver, auth *authentication.Server, cache *persistence.RedisCache, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	s := &Server{
		driver:    d,
		auth:      auth,
		cache:     cache,
		logger:    logger.WithField("component", "api_server"),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/auth/challenge", s.handleGetChallenge)
	mux.HandleFunc("/api/auth/verify", s.handleVerifyAuth)
	mux.HandleFunc("/api/auth/validate", s.handleValidateSession)
	mux.HandleFunc("/api/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("/api/trace", s.requireAuth(s.handleTrace))
	mux.HandleFunc("/api/peers/lookup", s.requireAuth(s.handlePeerLookup))
	mux.HandleFunc("/api/peers/", s.requireAuth(s.handlePeerEndpoint))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the HTTP server until it errors or is closed.
func (s *Server) Start() error {
	s.logger.Info("starting diagnostics API", logging.Fields{"addr": s.httpServer.Addr})
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping diagnostics API", nil)
	return s.httpServer.Close()
}

// requireAuth gates a handler behind a valid bearer session token.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}

		session, err := s.auth.ValidateSession(parts[1])
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		s.logger.Debug("authenticated API request", logging.Fields{"client": session.ClientID, "path": r.URL.Path})
		next(w, r)
	}
}

// handleHealth reports liveness without requiring authentication, so it can
// back a load balancer or orchestrator health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.startedAt).String(),
		"total_peers": s.driver.Table().Count(),
	})
}

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to generate challenge")
		return
	}
	s.writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) handleVerifyAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req authentication.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := s.auth.VerifyAuthentication(&req)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		s.writeError(w, http.StatusBadRequest, "missing token parameter")
		return
	}
	session, err := s.auth.ValidateSession(token)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":      true,
		"client_id":  session.ClientID,
		"expires_at": session.ExpiresAt.Unix(),
	})
}

// handleStats reports routing-table occupancy: peer count and per-bucket
// fill level, useful for spotting an unbalanced or under-populated table.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	table := s.driver.Table()
	nonEmpty := table.NonEmptyBuckets()
	occupied := make([]map[string]interface{}, 0, len(nonEmpty))
	for _, b := range nonEmpty {
		occupied = append(occupied, map[string]interface{}{
			"count":       b.Count(),
			"replacement": b.ReplacementCount(),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_peers":    table.Count(),
		"occupied_count": len(nonEmpty),
		"buckets":        occupied,
	})
}

// handleTrace returns the routing table's human-readable dump.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"trace": s.driver.Trace()})
}

// handlePeerLookup runs a FindPeer-style lookup against the live table
// (local knowledge only, no network round-trip) for a target address.
// GET /api/peers/lookup?address=<hex>&count=<n>
func (s *Server) handlePeerLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	target, err := parseAddress(r.URL.Query().Get("address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	count := 16
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid count parameter")
			return
		}
		count = n
	}

	peers, fromCache := s.lookupClosestPeers(r.Context(), target, count)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"target": target.String(),
		"count":  len(peers),
		"cached": fromCache,
		"peers":  renderPeers(peers),
	})
}

// lookupClosestPeers serves a closest-peers lookup from the Redis cache
// when available, falling back to (and then repopulating) the routing
// table directly. This is the hot-path cache-aside pattern fronting the
// routing table the way Redis fronts Postgres for durable peer records.
func (s *Server) lookupClosestPeers(ctx context.Context, target identity.Address, count int) ([]identity.BoundPeer, bool) {
	if s.cache != nil {
		if cached, err := s.cache.GetCachedClosestPeers(ctx, target); err == nil {
			return cached, true
		}
	}

	peers := s.driver.Table().Neighbors(target, count)
	if s.cache != nil {
		if err := s.cache.CacheClosestPeers(ctx, target, peers); err != nil {
			s.logger.Debug("caching closest peers failed", logging.Fields{"error": err.Error()})
		}
	}
	return peers, false
}

// handlePeerEndpoint handles GET/DELETE for a single peer.
// GET /api/peers/<address>, DELETE /api/peers/<address>
func (s *Server) handlePeerEndpoint(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/peers/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusBadRequest, "missing peer address")
		return
	}
	addr, err := parseAddress(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		peer, ok := s.driver.Table().Peer(addr)
		if !ok {
			s.writeError(w, http.StatusNotFound, "peer not found")
			return
		}
		s.writeJSON(w, http.StatusOK, renderPeer(peer))

	case http.MethodDelete:
		removed, err := s.driver.Table().RemovePeerAsync(r.Context(), addr)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !removed {
			s.writeError(w, http.StatusNotFound, "peer not found")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func parseAddress(raw string) (identity.Address, error) {
	if raw == "" {
		return identity.Address{}, fmt.Errorf("missing address parameter")
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return identity.Address{}, fmt.Errorf("malformed address: %w", err)
	}
	addr, err := identity.AddressFromBytes(b)
	if err != nil {
		return identity.Address{}, fmt.Errorf("malformed address: %w", err)
	}
	return addr, nil
}

func renderPeer(p identity.BoundPeer) map[string]interface{} {
	return map[string]interface{}{
		"address":    p.Address.String(),
		"public_key": hex.EncodeToString(p.PublicKey.CompressedBytes()),
		"host":       p.Host,
		"port":       p.Port,
	}
}

func renderPeers(peers []identity.BoundPeer) []map[string]interface{} {
	out := make([]map[string]interface{}, len(peers))
	for i, p := range peers {
		out[i] = renderPeer(p)
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"error": message})
}
