package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/relay/catalog"
	"github.com/meridianhq/relay/provider"
)

// scriptedHandle plays back a fixed completion.
type scriptedHandle struct {
	reply string
	err   error
}

func (h *scriptedHandle) ChatCompletion(_ context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	events := make(chan provider.StreamEvent, 2)
	go func() {
		defer close(events)
		if h.err != nil {
			events <- provider.Error{RunID: params.RunID, Err: h.err}
			return
		}
		events <- provider.Done{RunID: params.RunID, Content: h.reply}
	}()
	return events, nil
}

type fakeStore struct {
	existing  []Memory
	inserted  [][]Memory
	listErr   error
	insertErr error
}

func (s *fakeStore) ListMemories(context.Context, string) ([]Memory, error) {
	return s.existing, s.listErr
}

func (s *fakeStore) InsertMemories(_ context.Context, _ string, memories []Memory) (int, error) {
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.inserted = append(s.inserted, memories)
	s.existing = append(s.existing, memories...)
	return len(memories), nil
}

func analyzerWith(handle provider.Handle, store Store) *Analyzer {
	return NewAnalyzer(func(string, catalog.Descriptor) (provider.Handle, error) {
		return handle, nil
	}, store, nil)
}

func req() Request {
	return Request{
		APIKey:            "sk-test",
		Model:             catalog.Descriptor{PublicID: "m", InternalID: "m-1", Provider: catalog.OpenAI},
		UserID:            "user-1",
		UserMessage:       "I work as a marine biologist in Bergen",
		AssistantResponse: "That sounds fascinating!",
	}
}

const extractionReply = `{"memories":[
	{"content":"Works as a marine biologist","category":"professional","importance":8,"reasoning":"Their profession shapes future answers"},
	{"content":"Lives in Bergen","category":"personal","importance":6,"reasoning":"Location is durable context"}
]}`

func TestAnalyzeStoresNetNewMemories(t *testing.T) {
	store := &fakeStore{}
	a := analyzerWith(&scriptedHandle{reply: extractionReply}, store)

	res, err := a.Analyze(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, 2, res.MemoriesStored)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, Professional, store.inserted[0][0].Category)
}

func TestAnalyzeIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	a := analyzerWith(&scriptedHandle{reply: extractionReply}, store)

	first, err := a.Analyze(context.Background(), req())
	require.NoError(t, err)
	require.Equal(t, 2, first.MemoriesStored)

	second, err := a.Analyze(context.Background(), req())
	require.NoError(t, err)
	assert.Zero(t, second.MemoriesStored)
	assert.Len(t, store.inserted, 1)
}

func TestAnalyzeDedupIsCaseAndWhitespaceInsensitive(t *testing.T) {
	store := &fakeStore{existing: []Memory{{Content: "  WORKS AS A MARINE BIOLOGIST  "}}}
	a := analyzerWith(&scriptedHandle{reply: extractionReply}, store)

	res, err := a.Analyze(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, 1, res.MemoriesStored)
	assert.Equal(t, "Lives in Bergen", res.Stored[0].Content)
}

func TestAnalyzeZeroCandidatesIsSuccess(t *testing.T) {
	store := &fakeStore{}
	a := analyzerWith(&scriptedHandle{reply: `{"memories":[]}`}, store)

	res, err := a.Analyze(context.Background(), req())
	require.NoError(t, err)
	assert.Zero(t, res.MemoriesStored)
	assert.Empty(t, store.inserted)
}

func TestAnalyzeTaggedFailures(t *testing.T) {
	t.Run("resolution", func(t *testing.T) {
		a := NewAnalyzer(func(string, catalog.Descriptor) (provider.Handle, error) {
			return nil, errors.New("bad key")
		}, &fakeStore{}, nil)

		_, err := a.Analyze(context.Background(), req())
		assert.ErrorIs(t, err, ErrResolve)
	})

	t.Run("extraction", func(t *testing.T) {
		a := analyzerWith(&scriptedHandle{err: errors.New("upstream down")}, &fakeStore{})
		_, err := a.Analyze(context.Background(), req())
		assert.ErrorIs(t, err, ErrExtract)
	})

	t.Run("list", func(t *testing.T) {
		a := analyzerWith(&scriptedHandle{reply: extractionReply}, &fakeStore{listErr: errors.New("db closed")})
		_, err := a.Analyze(context.Background(), req())
		assert.ErrorIs(t, err, ErrStore)
	})

	t.Run("insert", func(t *testing.T) {
		a := analyzerWith(&scriptedHandle{reply: extractionReply}, &fakeStore{insertErr: errors.New("db closed")})
		_, err := a.Analyze(context.Background(), req())
		assert.ErrorIs(t, err, ErrStore)
	})
}

func TestParseCandidates(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "plain object", text: `{"memories":[{"content":"a","category":"other","importance":5,"reasoning":"b"}]}`, want: 1},
		{name: "fenced json", text: "```json\n{\"memories\":[{\"content\":\"a\",\"category\":\"other\",\"importance\":5,\"reasoning\":\"b\"}]}\n```", want: 1},
		{name: "not json", text: "I could not find anything.", want: 0},
		{name: "empty content dropped", text: `{"memories":[{"content":"","category":"other","importance":5,"reasoning":"b"}]}`, want: 0},
		{name: "empty reasoning dropped", text: `{"memories":[{"content":"a","category":"other","importance":5,"reasoning":""}]}`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, parseCandidates(tt.text), tt.want)
		})
	}
}

func TestParseCandidatesClampsAndCoerces(t *testing.T) {
	got := parseCandidates(`{"memories":[
		{"content":"a","category":"mystery","importance":99,"reasoning":"r"},
		{"content":"b","category":"PERSONAL","importance":0,"reasoning":"r"}
	]}`)
	require.Len(t, got, 2)
	assert.Equal(t, Other, got[0].Category)
	assert.Equal(t, 10, got[0].Importance)
	assert.Equal(t, Personal, got[1].Category)
	assert.Equal(t, 1, got[1].Importance)
}
