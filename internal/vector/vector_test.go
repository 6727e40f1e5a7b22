package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	assert.Empty(t, Split("   ", 10))
	assert.Equal(t, []string{"short"}, Split(" short ", 10))
	assert.Equal(t, []string{"alpha beta", "gamma"}, Split("alpha beta gamma", 12))

	// No whitespace: hard cut on rune boundaries.
	pieces := Split(strings.Repeat("é", 25), 10)
	require.Len(t, pieces, 3)
	for _, p := range pieces {
		assert.True(t, utf8.ValidString(p))
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 10)
	}

	long := strings.Repeat("word ", 500)
	for _, p := range Split(long, 64) {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 64)
		assert.NotEqual(t, ' ', p[0])
	}
}

func TestBuildChunksStableIDs(t *testing.T) {
	a := BuildChunks("ns", "res", "Title", "one two three four", 8)
	b := BuildChunks("ns", "res", "Title", "one two three four", 8)
	require.NotEmpty(t, a)
	assert.Equal(t, a, b)
	for i, c := range a {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, "ns", c.NamespaceID)
		assert.Equal(t, "res", c.ResourceID)
	}
	assert.NotEqual(t, ChunkID("ns", "res", 0), ChunkID("ns", "other", 0))
	assert.NotEqual(t, ChunkID("ns", "res", 0), ChunkID("ns", "res", 1))
}

type fakeVectorService struct {
	mu       sync.Mutex
	adds     []addRequest
	deletes  []map[string]any
	queries  []queryRequest
	failAdds bool
}

func (f *fakeVectorService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/collections/docs/add", func(w http.ResponseWriter, r *http.Request) {
		if f.failAdds {
			http.Error(w, "full", http.StatusServiceUnavailable)
			return
		}
		var req addRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.adds = append(f.adds, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /api/v1/collections/docs/delete", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.deletes = append(f.deletes, req)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("POST /api/v1/collections/docs/query", func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.queries = append(f.queries, req)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{
			"ids": [["c1","c2"]],
			"documents": [["first","second"]],
			"metadatas": [[{"namespace_id":"ns","resource_id":"r1","chunk_index":0,"title":"T"},
			               {"namespace_id":"ns","resource_id":"r2","chunk_index":3}]],
			"distances": [[0.1,0.4]]
		}`))
	})
	return mux
}

func (f *fakeVectorService) snapshot() ([]addRequest, []map[string]any, []queryRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]addRequest(nil), f.adds...), append([]map[string]any(nil), f.deletes...), append([]queryRequest(nil), f.queries...)
}

func newTestIndex(t *testing.T, f *fakeVectorService, batch int) *HTTPIndex {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	idx, err := NewHTTPIndex(HTTPConfig{BaseURL: srv.URL, Collection: "docs", BatchSize: batch})
	require.NoError(t, err)
	return idx
}

func TestInsertBatches(t *testing.T) {
	f := &fakeVectorService{}
	idx := newTestIndex(t, f, 2)
	chunks := BuildChunks("ns", "r1", "T", "a b c d e", 1)
	require.Len(t, chunks, 5)

	require.NoError(t, idx.Insert(context.Background(), chunks))
	adds, _, _ := f.snapshot()
	require.Len(t, adds, 3)
	assert.Len(t, adds[0].IDs, 2)
	assert.Len(t, adds[2].IDs, 1)
	assert.Equal(t, chunks[4].ChunkID, adds[2].IDs[0])
	assert.Equal(t, "ns", adds[0].Metadatas[0]["namespace_id"])
	assert.Equal(t, "T", adds[0].Metadatas[0]["title"])
}

func TestInsertErrorStatus(t *testing.T) {
	f := &fakeVectorService{failAdds: true}
	idx := newTestIndex(t, f, 2)
	err := idx.Insert(context.Background(), BuildChunks("ns", "r1", "", "a b c", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestRemoveFiltersByNamespaceAndResource(t *testing.T) {
	f := &fakeVectorService{}
	idx := newTestIndex(t, f, 0)
	require.NoError(t, idx.Remove(context.Background(), "ns", "r1"))
	_, deletes, _ := f.snapshot()
	require.Len(t, deletes, 1)
	raw, _ := json.Marshal(deletes[0])
	assert.JSONEq(t, `{"where":{"$and":[{"namespace_id":"ns"},{"resource_id":"r1"}]}}`, string(raw))
}

func TestQuery(t *testing.T) {
	f := &fakeVectorService{}
	idx := newTestIndex(t, f, 0)
	hits, err := idx.Query(context.Background(), Query{NamespaceID: "ns", Text: "hello", K: 2, ResourceIDs: []string{"r1", "r2"}})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "c1", hits[0].Chunk.ChunkID)
	assert.Equal(t, "first", hits[0].Chunk.Text)
	assert.Equal(t, "T", hits[0].Chunk.Title)
	assert.Equal(t, 3, hits[1].Chunk.Index)
	assert.InDelta(t, 0.4, hits[1].Distance, 1e-9)

	_, _, queries := f.snapshot()
	require.Len(t, queries, 1)
	assert.Equal(t, 2, queries[0].NResults)
	assert.Contains(t, queries[0].Where, "$and")
}

func TestNewHTTPIndexRequiresURL(t *testing.T) {
	_, err := NewHTTPIndex(HTTPConfig{})
	require.Error(t, err)
}
