// Package adminapi serves the termination core's operational HTTP surface:
// liveness/readiness probes, the Prometheus scrape endpoint, and a
// bearer-token-guarded view of connected nodes and active subscriptions.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"ranic/e2tc/internal/auth"
	"ranic/e2tc/internal/e2node"
	"ranic/e2tc/internal/logging"
	"ranic/e2tc/internal/metrics"
	"ranic/e2tc/internal/subscription"
)

// ReadinessProvider reports whether the termination core is ready to accept
// E2 associations (listener bound, service models frozen).
type ReadinessProvider interface {
	Ready() bool
}

// HandlerSet bundles the admin HTTP handlers and the state they read from.
type HandlerSet struct {
	Readiness ReadinessProvider
	Nodes     *e2node.Table
	Subs      *subscription.Manager
	Verifier  *auth.HMACTokenVerifier
	Limiter   *RateLimiter
	Logger    *logging.Logger
}

// Mux builds an http.ServeMux wired with every admin endpoint.
func (h *HandlerSet) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", h.handleLivez)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/admin/nodes", h.authorised(h.handleNodes))
	mux.HandleFunc("/admin/subscriptions", h.authorised(h.handleSubscriptions))
	return mux
}

func (h *HandlerSet) handleLivez(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *HandlerSet) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.Readiness == nil || !h.Readiness.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authorised wraps next with the bearer-token and rate-limit checks every
// admin endpoint requires.
func (h *HandlerSet) authorised(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter != nil && !h.Limiter.Allow(r.RemoteAddr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if h.Verifier == nil {
			next(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := h.Verifier.Verify(token); err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

type nodeView struct {
	ID                string    `json:"id"`
	State             string    `json:"state"`
	SubscriptionCount int       `json:"subscription_count"`
	Functions         []int     `json:"functions"`
	Observed          time.Time `json:"observed_at"`
}

func (h *HandlerSet) handleNodes(w http.ResponseWriter, r *http.Request) {
	var out []nodeView
	for _, node := range h.Nodes.All() {
		functions := node.Functions()
		ids := make([]int, 0, len(functions))
		for _, fn := range functions {
			ids = append(ids, fn.ID)
		}
		out = append(out, nodeView{
			ID:                node.ID(),
			State:             string(node.State()),
			SubscriptionCount: node.SubscriptionCount(),
			Functions:         ids,
			Observed:          time.Now(),
		})
	}
	writeJSON(w, out)
}

type subscriptionView struct {
	ID         string `json:"id"`
	NodeID     string `json:"node_id"`
	FunctionID int    `json:"function_id"`
	State      string `json:"state"`
}

func (h *HandlerSet) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	var out []subscriptionView
	for _, node := range h.Nodes.All() {
		if nodeID != "" && node.ID() != nodeID {
			continue
		}
		for _, sub := range h.Subs.List(node.ID()) {
			out = append(out, subscriptionView{
				ID:         sub.ID,
				NodeID:     sub.NodeID,
				FunctionID: sub.FunctionID,
				State:      string(sub.State()),
			})
		}
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
