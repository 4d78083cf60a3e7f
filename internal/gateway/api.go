// ABOUTME: HTTP ops surface: health, readiness, metrics, and registry listings
// ABOUTME: /api routes require an operator token when auth is enabled

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/auth"
	"github.com/2389/coven-runtime/internal/messages"
	"github.com/2389/coven-runtime/internal/registry"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/worker"
)

// AgentTypeResponse is one entry of GET /api/agent-types.
type AgentTypeResponse struct {
	Type    string   `json:"type"`
	Workers []string `json:"workers"`
}

// TopicStatsResponse is one entry of GET /api/topics.
type TopicStatsResponse struct {
	Topic string `json:"topic"`
	messages.Stats
}

// StateResponse is the JSON response for GET /api/state/{type}/{key}.
type StateResponse struct {
	AgentID   string    `json:"agent_id"`
	ETag      string    `json:"etag"`
	Payload   []byte    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// routes builds the HTTP handler for the ops surface.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/agent-types", g.handleListAgentTypes)
	api.HandleFunc("GET /api/workers", g.handleListWorkers)
	api.HandleFunc("GET /api/subscriptions", g.handleListSubscriptions)
	api.HandleFunc("GET /api/subscriptions/{id}", g.handleGetSubscription)
	api.HandleFunc("GET /api/topics", g.handleListTopics)
	api.HandleFunc("GET /api/state/{type}/{key}", g.handleGetState)
	api.HandleFunc("DELETE /api/state/{type}/{key}", g.handleDeleteState)

	if g.verifier != nil {
		mux.Handle("/api/", auth.HTTPMiddleware(g.verifier)(api))
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		mux.Handle("/api/", api)
		g.logger.Warn("HTTP auth disabled - operator API is open")
	}
	return mux
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one worker is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.workers.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no workers connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d workers)", n)
}

func (g *Gateway) handleListAgentTypes(w http.ResponseWriter, r *http.Request) {
	types := g.registry.ListAgentTypes()
	resp := make([]AgentTypeResponse, 0, len(types))
	for _, t := range types {
		resp = append(resp, AgentTypeResponse{Type: t, Workers: g.registry.Workers(t)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	infos := g.workers.List()
	if infos == nil {
		infos = []worker.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (g *Gateway) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := g.registry.Subscriptions()
	if topic := r.URL.Query().Get("topic"); topic != "" {
		filtered := make([]registry.Subscription, 0, len(subs))
		for _, s := range subs {
			if s.Matches(topic) {
				filtered = append(filtered, s)
			}
		}
		subs = filtered
	}
	writeJSON(w, http.StatusOK, subs)
}

func (g *Gateway) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := g.registry.Subscription(r.PathValue("id"))
	if !ok {
		sendJSONError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (g *Gateway) handleListTopics(w http.ResponseWriter, r *http.Request) {
	all := g.messages.AllStats()
	resp := make([]TopicStatsResponse, 0, len(all))
	for _, topic := range sortedKeys(all) {
		resp = append(resp, TopicStatsResponse{Topic: topic, Stats: all[topic]})
	}
	writeJSON(w, http.StatusOK, resp)
}

func pathAgentID(r *http.Request) (agent.ID, error) {
	id := agent.ID{Type: r.PathValue("type"), Key: r.PathValue("key")}
	return id, id.Validate()
}

func (g *Gateway) handleGetState(w http.ResponseWriter, r *http.Request) {
	id, err := pathAgentID(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	started := time.Now()
	st, err := g.store.Read(r.Context(), id)
	g.metrics.ObserveState("read", stateResult(err), started)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "no state for "+id.String())
		return
	case err != nil:
		g.logger.Error("reading state", "agent_id", id.String(), "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to read state")
		return
	}

	writeJSON(w, http.StatusOK, StateResponse{
		AgentID:   st.ID.String(),
		ETag:      st.ETag,
		Payload:   st.Payload,
		UpdatedAt: st.UpdatedAt,
	})
}

// handleDeleteState purges an agent's state. Deleting missing state succeeds.
func (g *Gateway) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	id, err := pathAgentID(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	started := time.Now()
	err = g.store.Delete(r.Context(), id)
	g.metrics.ObserveState("delete", stateResult(err), started)
	if err != nil {
		g.logger.Error("deleting state", "agent_id", id.String(), "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to delete state")
		return
	}

	principal := "anonymous"
	if p, ok := auth.FromContext(r.Context()); ok {
		principal = p.ID
	}
	g.logger.Info("agent state purged", "agent_id", id.String(), "principal", principal)
	w.WriteHeader(http.StatusNoContent)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
