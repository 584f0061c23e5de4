// Package gateway exposes the chat relay over HTTP.
//
// DESIGN: The UI layer is an external collaborator; it talks to the core
// through exactly two surfaces: "send a message, get a stream of text
// deltas" and encrypted-history CRUD. The owner identity comes from the
// `uid` cookie - account onboarding itself lives outside this service.
//
// All relay errors carry a taxonomy kind; responses are JSON
// {"error": ..., "kind": ...} so the UI can render kind-specific messages.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mygpt/chat-relay/internal/config"
	"github.com/mygpt/chat-relay/internal/monitoring"
	"github.com/mygpt/chat-relay/internal/relay"
	"github.com/mygpt/chat-relay/internal/store"
)

// ownerCookie identifies the calling user. Set by the collaborator-owned
// account layer; treated as opaque here.
const ownerCookie = "uid"

// requestsPerSecond is the per-IP rate limit.
const requestsPerSecond = 20

// Gateway is the HTTP server for the chat relay.
type Gateway struct {
	cfg         *config.Config
	relay       *relay.Relay
	store       store.Store
	metrics     *monitoring.MetricsCollector
	rateLimiter *rateLimiter
	server      *http.Server
}

// New creates a gateway around a relay.
func New(cfg *config.Config, rl *relay.Relay, metrics *monitoring.MetricsCollector) *Gateway {
	g := &Gateway{
		cfg:         cfg,
		relay:       rl,
		store:       rl.Store(),
		metrics:     metrics,
		rateLimiter: newRateLimiter(requestsPerSecond),
	}

	g.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     g.Handler(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays at the configured value; zero means unlimited,
		// which streaming responses need.
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return g
}

// Handler builds the route table wrapped in the middleware chain.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /api/metrics", g.handleMetrics)
	mux.HandleFunc("GET /api/models", g.handleModels)

	mux.HandleFunc("POST /api/chats", g.handleCreateChat)
	mux.HandleFunc("GET /api/chats", g.handleListChats)
	mux.HandleFunc("PATCH /api/chats/{id}", g.handlePatchChat)
	mux.HandleFunc("DELETE /api/chats/{id}", g.handleDeleteChat)
	mux.HandleFunc("GET /api/chats/{id}/messages", g.handleListMessages)
	mux.HandleFunc("POST /api/chats/{id}/messages-stream", g.handleMessagesStream)

	var handler http.Handler = mux
	handler = g.security(handler)
	handler = g.loggingMiddleware(handler)
	handler = g.rateLimit(handler)
	handler = g.panicRecovery(handler)
	return handler
}

// Start runs the HTTP server until Shutdown.
func (g *Gateway) Start() error {
	log.Info().Str("addr", g.server.Addr).Msg("gateway listening")
	return g.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.metrics.Stats())
}

// ownerID extracts the caller identity from the uid cookie.
func (g *Gateway) ownerID(r *http.Request) (string, bool) {
	c, err := r.Cookie(ownerCookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// writeJSON writes a JSON response body.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write response")
	}
}

// writeError writes a structured error response.
func (g *Gateway) writeError(w http.ResponseWriter, msg, kind string, status int) {
	g.writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
}

// writeRelayError maps a relay taxonomy kind to an HTTP response.
func (g *Gateway) writeRelayError(w http.ResponseWriter, err error) {
	kind := relay.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case relay.KindUnauthorized:
		status = http.StatusForbidden
	case relay.KindNotFound:
		status = http.StatusNotFound
	case relay.KindUpstreamRejected, relay.KindStreamInterrupted:
		status = http.StatusBadGateway
	}

	msg := err.Error()
	var re *relay.Error
	if errors.As(err, &re) && re.Kind == relay.KindUpstreamRejected {
		// Forward the upstream complaint; it usually names the real problem
		// (bad model id, exhausted quota).
		msg = re.Body
	}

	log.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	g.writeError(w, msg, string(kind), status)
}
