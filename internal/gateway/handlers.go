package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mygpt/chat-relay/internal/adapters"
	"github.com/mygpt/chat-relay/internal/relay"
	"github.com/mygpt/chat-relay/internal/security"
	"github.com/mygpt/chat-relay/internal/store"
	"github.com/mygpt/chat-relay/internal/stream"
)

// defaultModel is used when a conversation is created without one.
const defaultModel = "gpt-4o"

// createChatRequest is the body of POST /api/chats.
type createChatRequest struct {
	Title         string `json:"title"`
	Model         string `json:"model"`
	SystemPrompt  string `json:"systemPrompt"`
	VectorStoreID string `json:"vectorStoreId"`
	UseContext    *bool  `json:"useContext"`
	PresetName    string `json:"presetName"`
}

// patchChatRequest is the body of PATCH /api/chats/{id}.
// Pointer fields distinguish "not sent" from "set to zero value".
type patchChatRequest struct {
	Title         *string `json:"title"`
	Model         *string `json:"model"`
	SystemPrompt  *string `json:"systemPrompt"`
	VectorStoreID *string `json:"vectorStoreId"`
	UseContext    *bool   `json:"useContext"`
	PresetName    *string `json:"presetName"`
}

// sendMessageRequest is the body of POST /api/chats/{id}/messages-stream.
type sendMessageRequest struct {
	Message    string `json:"message"`
	Model      string `json:"model"`
	UseContext *bool  `json:"useContext"`
	MaxRounds  *int   `json:"maxRounds"`
}

// modelInfo describes one selectable model.
type modelInfo struct {
	ID                string `json:"id"`
	Provider          string `json:"provider"`
	SupportsRetrieval bool   `json:"supportsRetrieval"`
}

// handleModels lists the selectable models with their classified provider
// and capabilities.
func (g *Gateway) handleModels(w http.ResponseWriter, _ *http.Request) {
	ids := []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"claude-3-5-sonnet-latest",
		"claude-3-5-haiku-latest",
	}

	models := make([]modelInfo, 0, len(ids))
	for _, id := range ids {
		capability := adapters.Classify(id)
		models = append(models, modelInfo{
			ID:                id,
			Provider:          string(capability.Provider),
			SupportsRetrieval: capability.SupportsRetrieval,
		})
	}
	g.writeJSON(w, http.StatusOK, models)
}

// handleCreateChat creates a conversation. Title and system prompt are
// encrypted before they reach the store.
func (g *Gateway) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.ownerID(r)
	if !ok {
		g.writeError(w, "not signed in", "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", "bad_request", http.StatusBadRequest)
		return
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	title := req.Title
	if title == "" {
		title = "New chat"
	}
	useContext := true
	if req.UseContext != nil {
		useContext = *req.UseContext
	}

	key := g.relay.Key(owner)
	encTitle, err := security.EncryptIfKey(title, key)
	if err != nil {
		g.writeRelayError(w, err)
		return
	}
	encPrompt := ""
	if req.SystemPrompt != "" {
		if encPrompt, err = security.EncryptIfKey(req.SystemPrompt, key); err != nil {
			g.writeRelayError(w, err)
			return
		}
	}

	now := time.Now()
	conv := &store.Conversation{
		ID:            store.NewID("chat"),
		OwnerID:       owner,
		Title:         encTitle,
		Model:         model,
		SystemPrompt:  encPrompt,
		VectorStoreID: req.VectorStoreID,
		UseContext:    useContext,
		PresetName:    req.PresetName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := g.store.PutConversation(r.Context(), conv); err != nil {
		g.writeRelayError(w, err)
		return
	}

	// Respond with the plaintext view.
	view := *conv
	view.Title = title
	view.SystemPrompt = req.SystemPrompt
	g.writeJSON(w, http.StatusCreated, view)
}

// handleListChats lists the caller's conversations, decrypted.
func (g *Gateway) handleListChats(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.ownerID(r)
	if !ok {
		g.writeError(w, "not signed in", "unauthorized", http.StatusUnauthorized)
		return
	}

	convs, err := g.store.ListConversations(r.Context(), owner)
	if err != nil {
		g.writeRelayError(w, err)
		return
	}

	key := g.relay.Key(owner)
	for i := range convs {
		if convs[i].Title, err = security.DecryptIfKey(convs[i].Title, key); err != nil {
			g.writeRelayError(w, err)
			return
		}
		if convs[i].SystemPrompt, err = security.DecryptIfKey(convs[i].SystemPrompt, key); err != nil {
			g.writeRelayError(w, err)
			return
		}
	}
	g.writeJSON(w, http.StatusOK, convs)
}

// handlePatchChat updates a conversation's mutable fields.
func (g *Gateway) handlePatchChat(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.ownerID(r)
	if !ok {
		g.writeError(w, "not signed in", "unauthorized", http.StatusUnauthorized)
		return
	}

	conv, err := g.relay.Authorize(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		g.writeRelayError(w, err)
		return
	}

	var req patchChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", "bad_request", http.StatusBadRequest)
		return
	}

	key := g.relay.Key(owner)
	if req.Title != nil {
		if conv.Title, err = security.EncryptIfKey(*req.Title, key); err != nil {
			g.writeRelayError(w, err)
			return
		}
	}
	if req.SystemPrompt != nil {
		conv.SystemPrompt = *req.SystemPrompt
		if conv.SystemPrompt != "" {
			if conv.SystemPrompt, err = security.EncryptIfKey(conv.SystemPrompt, key); err != nil {
				g.writeRelayError(w, err)
				return
			}
		}
	}
	if req.Model != nil {
		conv.Model = *req.Model
	}
	if req.VectorStoreID != nil {
		conv.VectorStoreID = *req.VectorStoreID
	}
	if req.UseContext != nil {
		conv.UseContext = *req.UseContext
	}
	if req.PresetName != nil {
		conv.PresetName = *req.PresetName
	}
	conv.UpdatedAt = time.Now()

	if err := g.store.UpdateConversation(r.Context(), conv); err != nil {
		g.writeRelayError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleDeleteChat removes a conversation and all its turns.
func (g *Gateway) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.ownerID(r)
	if !ok {
		g.writeError(w, "not signed in", "unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := g.relay.Authorize(r.Context(), owner, r.PathValue("id")); err != nil {
		g.writeRelayError(w, err)
		return
	}
	if err := g.store.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		g.writeRelayError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleListMessages returns a conversation's turns, decrypted, ascending.
// A row that fails to decrypt fails the request - the UI must be able to
// tell "empty message" apart from "could not decrypt".
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.ownerID(r)
	if !ok {
		g.writeError(w, "not signed in", "unauthorized", http.StatusUnauthorized)
		return
	}

	conv, err := g.relay.Authorize(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		g.writeRelayError(w, err)
		return
	}

	turns, err := g.store.ListTurns(r.Context(), conv.ID)
	if err != nil {
		g.writeRelayError(w, err)
		return
	}

	key := g.relay.Key(owner)
	for i := range turns {
		if turns[i].Content, err = security.DecryptIfKey(turns[i].Content, key); err != nil {
			g.writeRelayError(w, err)
			return
		}
	}
	g.writeJSON(w, http.StatusOK, turns)
}

// handleMessagesStream is the sendMessage operation: relay the message
// upstream and forward the normalized event stream as SSE.
func (g *Gateway) handleMessagesStream(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.ownerID(r)
	if !ok {
		g.writeError(w, "not signed in", "unauthorized", http.StatusUnauthorized)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		g.writeError(w, "message is required", "bad_request", http.StatusBadRequest)
		return
	}

	sess, err := g.relay.Relay(r.Context(), owner, r.PathValue("id"), req.Message, relay.Overrides{
		Model:      req.Model,
		UseContext: req.UseContext,
		MaxRounds:  req.MaxRounds,
	})
	if err != nil {
		// Request rejected before streaming began - report synchronously.
		g.writeRelayError(w, err)
		return
	}
	defer sess.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, "streaming unsupported", "internal", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := sess.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// Headers are gone; nothing to do but stop. Nothing was
			// persisted for this call.
			log.Error().Err(err).Msg("stream interrupted")
			return
		}
		if err := stream.WriteEvent(w, ev); err != nil {
			// Client went away; the deferred Close drops the upstream
			// connection promptly.
			log.Debug().Err(err).Msg("client disconnected mid-stream")
			return
		}
		flusher.Flush()
		if ev.Done {
			return
		}
	}
}
