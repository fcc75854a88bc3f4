package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/meridianhq/relay/cache"
	"github.com/meridianhq/relay/chat"
	"github.com/meridianhq/relay/memory"
	"github.com/meridianhq/relay/provider"
	"github.com/meridianhq/relay/resolver"
	"github.com/meridianhq/relay/store"
)

// scriptedHandle plays back a fixed event sequence.
type scriptedHandle struct {
	events []provider.StreamEvent
}

func (h *scriptedHandle) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	out := make(chan provider.StreamEvent, len(h.events))
	for _, ev := range h.events {
		out <- ev
	}
	close(out)
	return out, nil
}

func scriptedResolver(events ...provider.StreamEvent) chat.ResolveFunc {
	return func(req resolver.Request) (provider.Handle, error) {
		return &scriptedHandle{events: events}, nil
	}
}

func newTestServer(t *testing.T, resolve chat.ResolveFunc) (*Server, *store.Store, *cache.Cache, *chat.Controller) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ca := cache.New()
	t.Cleanup(func() { ca.Close() })

	ctrl := chat.New(
		chat.WithResolver(resolve),
		chat.WithContextSource(st),
		chat.WithMessageStore(st),
	)
	t.Cleanup(ctrl.Drain)

	srv := New(
		WithController(ctrl),
		WithStore(st),
		WithCache(ca),
	)
	return srv, st, ca, ctrl
}

func chatBody(t *testing.T, req chat.Request) *strings.Reader {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return strings.NewReader(string(b))
}

func TestChatRequiresUserHeader(t *testing.T) {
	srv, _, _, _ := newTestServer(t, scriptedResolver())
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{}")))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "X-User-ID")
}

func TestChatRejectsMalformedBody(t *testing.T) {
	srv, _, _, _ := newTestServer(t, scriptedResolver())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	req.Header.Set(userHeader, "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatValidationFailureIsJSON(t *testing.T) {
	srv, _, _, _ := newTestServer(t, scriptedResolver())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/chat", chatBody(t, chat.Request{
		ModelPublicID: "gpt-4o",
		APIKey:        "sk-test",
	}))
	req.Header.Set(userHeader, "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, gjson.Get(rec.Body.String(), "error").String(), "messages")
}

func TestChatUnknownModelIs404(t *testing.T) {
	srv, _, _, _ := newTestServer(t, scriptedResolver())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/chat", chatBody(t, chat.Request{
		Messages:      []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		ModelPublicID: "no-such-model",
		APIKey:        "sk-test",
	}))
	req.Header.Set(userHeader, "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatStreamsEventsAndPersists(t *testing.T) {
	events := []provider.StreamEvent{
		provider.Delta{Content: "Hello"},
		provider.Delta{Content: " there"},
		provider.Done{Content: "Hello there", FinishReason: "stop"},
	}
	srv, st, _, ctrl := newTestServer(t, scriptedResolver(events...))
	h := srv.Handler()

	ctx := context.Background()
	c, err := st.CreateChat(ctx, "u1", "greetings")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", chatBody(t, chat.Request{
		Messages:      []provider.Message{{Role: provider.RoleUser, Content: "say hi"}},
		ModelPublicID: "gpt-4o",
		APIKey:        "sk-test",
		ChatID:        c.ID,
	}))
	req.Header.Set(userHeader, "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var types []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		types = append(types, gjson.Get(payload, "type").String())
	}
	assert.Equal(t, []string{"delta", "delta", "done"}, types)

	ctrl.Drain()
	msgs, err := st.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "say hi", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Hello there", msgs[1].Content)
}

func TestChatInvalidatesCachedViews(t *testing.T) {
	events := []provider.StreamEvent{
		provider.Done{Content: "done", FinishReason: "stop"},
	}
	srv, st, ca, _ := newTestServer(t, scriptedResolver(events...))
	h := srv.Handler()

	ctx := context.Background()
	c, err := st.CreateChat(ctx, "u1", "cached")
	require.NoError(t, err)

	// Warm both cached views.
	listReq := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	listReq.Header.Set(userHeader, "u1")
	h.ServeHTTP(httptest.NewRecorder(), listReq)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/chats/"+c.ID+"/messages", nil))
	require.Equal(t, 2, ca.Len())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", chatBody(t, chat.Request{
		Messages:      []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		ModelPublicID: "gpt-4o",
		APIKey:        "sk-test",
		ChatID:        c.ID,
	}))
	req.Header.Set(userHeader, "u1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	_, chatsCached := ca.Get(ctx, cache.KeyAllChats)
	assert.False(t, chatsCached)
	_, msgsCached := ca.Get(ctx, cache.PrefixChatMessages+c.ID)
	assert.False(t, msgsCached)
}

// recordingMirror captures the context state each Delete arrives with.
type recordingMirror struct {
	mu         sync.Mutex
	deleted    []string
	deleteErrs []error
}

func (m *recordingMirror) ReadAll(context.Context, string) (map[string]cache.Entry, error) {
	return nil, nil
}

func (m *recordingMirror) Write(context.Context, string, cache.Entry) error { return nil }

func (m *recordingMirror) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	m.deleteErrs = append(m.deleteErrs, ctx.Err())
	return nil
}

func (m *recordingMirror) Close() error { return nil }

func TestChatInvalidationOutlivesClientDisconnect(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mirror := &recordingMirror{}
	ca := cache.New(cache.WithMirror(mirror))
	t.Cleanup(func() { ca.Close() })

	ctrl := chat.New(
		chat.WithResolver(scriptedResolver(provider.Done{Content: "done", FinishReason: "stop"})),
		chat.WithContextSource(st),
		chat.WithMessageStore(st),
	)
	t.Cleanup(ctrl.Drain)

	srv := New(WithController(ctrl), WithStore(st), WithCache(ca))
	h := srv.Handler()

	c, err := st.CreateChat(context.Background(), "u1", "flaky client")
	require.NoError(t, err)

	// The client is gone before the stream finishes; its request context
	// is already canceled when the handler reaches the invalidation.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", chatBody(t, chat.Request{
		Messages:      []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		ModelPublicID: "gpt-4o",
		APIKey:        "sk-test",
		ChatID:        c.ID,
	})).WithContext(ctx)
	req.Header.Set(userHeader, "u1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	require.Contains(t, mirror.deleted, cache.KeyAllChats)
	for i, key := range mirror.deleted {
		assert.NoError(t, mirror.deleteErrs[i], "delete of %q saw a dead context", key)
	}
}

func TestModelsFilteredByCredentials(t *testing.T) {
	srv, _, _, _ := newTestServer(t, scriptedResolver())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.Header.Set(anthropicKeyHeader, "sk-ant-test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	models := gjson.Parse(rec.Body.String()).Array()
	require.NotEmpty(t, models)
	for _, m := range models {
		assert.Equal(t, "anthropic", m.Get("provider").String())
	}
}

func TestModelsEmptyWithoutCredentials(t *testing.T) {
	srv, _, _, _ := newTestServer(t, scriptedResolver())
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, gjson.Parse(rec.Body.String()).Array())
}

func TestListChatsServedFromCache(t *testing.T) {
	srv, st, _, _ := newTestServer(t, scriptedResolver())
	h := srv.Handler()

	ctx := context.Background()
	_, err := st.CreateChat(ctx, "u1", "first")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set(userHeader, "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gjson.Parse(rec.Body.String()).Array(), 1)

	// A chat created behind the cache's back stays invisible until the
	// entry is invalidated.
	_, err = st.CreateChat(ctx, "u1", "second")
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set(userHeader, "u1")
	h.ServeHTTP(rec, req)
	assert.Len(t, gjson.Parse(rec.Body.String()).Array(), 1)
}

func TestListChatsCacheScopedToUser(t *testing.T) {
	srv, st, _, _ := newTestServer(t, scriptedResolver())
	h := srv.Handler()

	ctx := context.Background()
	_, err := st.CreateChat(ctx, "u1", "mine")
	require.NoError(t, err)
	_, err = st.CreateChat(ctx, "u2", "theirs")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set(userHeader, "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Len(t, gjson.Parse(rec.Body.String()).Array(), 1)
	assert.Equal(t, "mine", gjson.Get(rec.Body.String(), "0.title").String())

	// The cached entry belongs to u1; u2 must not see it.
	req = httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set(userHeader, "u2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Len(t, gjson.Parse(rec.Body.String()).Array(), 1)
	assert.Equal(t, "theirs", gjson.Get(rec.Body.String(), "0.title").String())
}

func TestListMessagesRoundTrip(t *testing.T) {
	srv, st, _, _ := newTestServer(t, scriptedResolver())
	h := srv.Handler()

	ctx := context.Background()
	c, err := st.CreateChat(ctx, "u1", "history")
	require.NoError(t, err)
	require.NoError(t, st.SaveUserMessage(ctx, c.ID, "question"))
	require.NoError(t, st.SaveAssistantMessage(ctx, c.ID, "answer", "gpt-4o"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats/"+c.ID+"/messages", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	msgs := gjson.Parse(rec.Body.String()).Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "question", msgs[0].Get("content").String())
	assert.Equal(t, "answer", msgs[1].Get("content").String())
}

func TestDeleteMemory(t *testing.T) {
	srv, st, _, _ := newTestServer(t, scriptedResolver())
	h := srv.Handler()

	ctx := context.Background()
	_, err := st.InsertMemories(ctx, "u1", []memory.Memory{
		{Content: "lives in Lisbon", Category: memory.Personal, Importance: 5},
	})
	require.NoError(t, err)
	records, err := st.Memories(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/memories/"+records[0].ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/memories/"+records[0].ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListMemories(t *testing.T) {
	srv, st, _, _ := newTestServer(t, scriptedResolver())
	h := srv.Handler()

	ctx := context.Background()
	_, err := st.InsertMemories(ctx, "u1", []memory.Memory{
		{Content: "prefers window seats", Category: memory.Preferences, Importance: 3},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/memories", nil)
	req.Header.Set(userHeader, "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	records := gjson.Parse(rec.Body.String()).Array()
	require.Len(t, records, 1)
	assert.Equal(t, "prefers window seats", records[0].Get("content").String())
}
