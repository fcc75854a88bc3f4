// Package server exposes the relay over HTTP: a server-sent-events chat
// endpoint plus JSON endpoints for models, chat history, and memories.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fogfish/opts"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/meridianhq/relay/cache"
	"github.com/meridianhq/relay/catalog"
	"github.com/meridianhq/relay/chat"
	"github.com/meridianhq/relay/pkg/slogx"
	"github.com/meridianhq/relay/provider"
	"github.com/meridianhq/relay/resolver"
	"github.com/meridianhq/relay/store"
)

// userHeader names the profile making the request. The relay is deployed
// per user; the header scopes personalization and memory, not tenancy.
const userHeader = "X-User-ID"

// Credential headers, one per provider.
const (
	openAIKeyHeader    = "X-OpenAI-Key"
	anthropicKeyHeader = "X-Anthropic-Key"
	googleKeyHeader    = "X-Google-Key"
)

// Server wires the controller, catalog, store and cache behind a chi router.
type Server struct {
	controller *chat.Controller
	catalog    *catalog.Catalog
	store      *store.Store
	cache      *cache.Cache
	log        *slog.Logger
}

var (
	// WithController sets the streaming completion controller.
	WithController = opts.ForName[Server, *chat.Controller]("controller")
	// WithCatalog sets the model catalog.
	WithCatalog = opts.ForName[Server, *catalog.Catalog]("catalog")
	// WithStore sets the durable store.
	WithStore = opts.ForName[Server, *store.Store]("store")
	// WithCache sets the TTL cache fronting the list endpoints.
	WithCache = opts.ForName[Server, *cache.Cache]("cache")
	// WithLogger overrides the logger.
	WithLogger = opts.ForName[Server, *slog.Logger]("log")
)

// New builds a server. The controller, catalog and store are required; a
// nil cache disables caching on the list endpoints.
func New(options ...opts.Option[Server]) *Server {
	s := &Server{
		catalog: catalog.Default(),
		log:     slog.Default(),
	}
	if err := opts.Apply(s, options); err != nil {
		panic(err)
	}
	return s
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/models", s.handleModels)
		r.Get("/chats", s.handleListChats)
		r.Get("/chats/{id}/messages", s.handleListMessages)
		r.Get("/memories", s.handleListMemories)
		r.Delete("/memories/{id}", s.handleDeleteMemory)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slogx.Elapsed("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return
	}

	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	events, err := s.controller.Stream(r.Context(), userID, req)
	if err != nil {
		writeStreamError(w, err)
		return
	}

	// Record the user turn now that the stream is committed. Best effort,
	// same as the assistant side.
	if s.store != nil && req.ChatID != "" {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == provider.RoleUser {
				if err := s.store.SaveUserMessage(r.Context(), req.ChatID, req.Messages[i].Content); err != nil {
					s.log.Warn("save user message", slogx.Error(err))
				}
				break
			}
		}
	}

	// From here on the response is an SSE stream; precondition failures
	// are behind us and anything that goes wrong arrives as an error event.
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			s.log.Error("encode stream event", slogx.Error(err))
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	// The conversation just changed; drop its cached views. The request
	// context is already canceled when the client bailed mid-stream, and a
	// failed mirror delete would leave a stale entry to rehydrate, so the
	// invalidation runs detached.
	if s.cache != nil && req.ChatID != "" {
		ctx := context.WithoutCancel(r.Context())
		s.cache.Invalidate(ctx, cache.KeyAllChats)
		s.cache.InvalidateByPrefix(ctx, cache.PrefixChatMessages+req.ChatID)
	}
}

func writeStreamError(w http.ResponseWriter, err error) {
	var verr *chat.ValidationError
	var ierr *resolver.InitError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, catalog.ErrModelNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, resolver.ErrUnsupportedProvider):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ierr):
		writeError(w, http.StatusBadGateway, ierr.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type modelInfo struct {
	ID           string               `json:"id"`
	Provider     string               `json:"provider"`
	Capabilities catalog.Capabilities `json:"capabilities"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	creds := map[catalog.Provider]string{
		catalog.OpenAI:    r.Header.Get(openAIKeyHeader),
		catalog.Anthropic: r.Header.Get(anthropicKeyHeader),
		catalog.Google:    r.Header.Get(googleKeyHeader),
	}

	available := s.catalog.Available(creds)
	out := make([]modelInfo, 0, len(available))
	for _, d := range available {
		out = append(out, modelInfo{
			ID:           d.PublicID,
			Provider:     d.Provider.String(),
			Capabilities: d.Capabilities,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// chatsPayload is what the chats cache entry holds. The user id rides along
// so a stale entry from another profile reads as a miss.
type chatsPayload struct {
	UserID string       `json:"userId"`
	Chats  []store.Chat `json:"chats"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return
	}

	if s.cache != nil {
		if raw, ok := s.cache.Get(r.Context(), cache.KeyAllChats); ok {
			var payload chatsPayload
			if err := json.Unmarshal(raw, &payload); err == nil && payload.UserID == userID {
				writeJSON(w, http.StatusOK, payload.Chats)
				return
			}
		}
	}

	chats, err := s.store.ListChats(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if chats == nil {
		chats = []store.Chat{}
	}

	if s.cache != nil {
		if raw, err := json.Marshal(chatsPayload{UserID: userID, Chats: chats}); err == nil {
			s.cache.Set(r.Context(), cache.KeyAllChats, raw, 0)
		}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	key := cache.PrefixChatMessages + chatID

	if s.cache != nil {
		if raw, ok := s.cache.Get(r.Context(), key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(raw)
			return
		}
	}

	msgs, err := s.store.ListMessages(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}

	raw, err := json.Marshal(msgs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.cache != nil {
		s.cache.Set(r.Context(), key, raw, 0)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return
	}

	records, err := s.store.Memories(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []store.MemoryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteMemory(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encode response", slogx.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
