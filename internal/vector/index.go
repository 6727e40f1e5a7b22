// Package vector is the narrow client for the external vector store used by
// the index handlers: insert chunks, remove a resource's chunks, query by
// namespace. The wire format follows the Chroma collection API (ids,
// documents, metadatas, where filters).
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBatchSize is the number of chunks sent per insert request.
const DefaultBatchSize = 64

// Index is the vector store contract.
type Index interface {
	Insert(ctx context.Context, chunks []Chunk) error
	Remove(ctx context.Context, namespaceID, resourceID string) error
	Query(ctx context.Context, q Query) ([]Hit, error)
}

// Query selects the k nearest chunks of a namespace, optionally restricted to
// some resources.
type Query struct {
	NamespaceID string
	Text        string
	K           int
	ResourceIDs []string
}

// Hit is one query result.
type Hit struct {
	Chunk    Chunk
	Distance float64
}

// HTTPIndex talks to the vector service over JSON/HTTP.
type HTTPIndex struct {
	base      string
	batchSize int
	client    *http.Client
	log       *slog.Logger
}

var _ Index = (*HTTPIndex)(nil)

// HTTPConfig configures an HTTPIndex.
type HTTPConfig struct {
	BaseURL    string
	Collection string
	BatchSize  int
	Client     *http.Client
}

// NewHTTPIndex returns a client for the collection at cfg.BaseURL.
func NewHTTPIndex(cfg HTTPConfig) (*HTTPIndex, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("vector: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("vector: parse base URL: %w", err)
	}
	if cfg.Collection == "" {
		cfg.Collection = "default"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPIndex{
		base:      base + "/api/v1/collections/" + url.PathEscape(cfg.Collection),
		batchSize: cfg.BatchSize,
		client:    cfg.Client,
		log:       slog.Default().With("component", "vector"),
	}, nil
}

type addRequest struct {
	IDs       []string         `json:"ids"`
	Documents []string         `json:"documents"`
	Metadatas []map[string]any `json:"metadatas"`
}

type whereRequest struct {
	Where map[string]any `json:"where"`
}

type queryRequest struct {
	QueryTexts []string       `json:"query_texts"`
	NResults   int            `json:"n_results"`
	Where      map[string]any `json:"where"`
}

type queryResponse struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

// Insert sends chunks in batches. A failed batch aborts the rest; earlier
// batches stay inserted.
func (x *HTTPIndex) Insert(ctx context.Context, chunks []Chunk) error {
	for start := 0; start < len(chunks); start += x.batchSize {
		end := min(start+x.batchSize, len(chunks))
		batch := chunks[start:end]
		req := addRequest{
			IDs:       make([]string, len(batch)),
			Documents: make([]string, len(batch)),
			Metadatas: make([]map[string]any, len(batch)),
		}
		for i, c := range batch {
			req.IDs[i] = c.ChunkID
			req.Documents[i] = c.Text
			req.Metadatas[i] = metadataOf(c)
		}
		if err := x.post(ctx, "/add", req, nil); err != nil {
			return fmt.Errorf("vector insert batch %d-%d: %w", start, end, err)
		}
		x.log.Debug("inserted chunk batch", "size", len(batch))
	}
	return nil
}

// Remove deletes every chunk of a resource in a namespace.
func (x *HTTPIndex) Remove(ctx context.Context, namespaceID, resourceID string) error {
	where := map[string]any{"$and": []map[string]any{
		{"namespace_id": namespaceID},
		{"resource_id": resourceID},
	}}
	if err := x.post(ctx, "/delete", whereRequest{Where: where}, nil); err != nil {
		return fmt.Errorf("vector remove %s/%s: %w", namespaceID, resourceID, err)
	}
	return nil
}

// Query returns the nearest chunks for q.
func (x *HTTPIndex) Query(ctx context.Context, q Query) ([]Hit, error) {
	where := map[string]any{"namespace_id": q.NamespaceID}
	if q.ResourceIDs != nil {
		where = map[string]any{"$and": []map[string]any{
			where,
			{"resource_id": map[string]any{"$in": q.ResourceIDs}},
		}}
	}
	k := q.K
	if k <= 0 {
		k = 10
	}
	var resp queryResponse
	if err := x.post(ctx, "/query", queryRequest{QueryTexts: []string{q.Text}, NResults: k, Where: where}, &resp); err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	if len(resp.IDs) == 0 {
		return []Hit{}, nil
	}
	ids := resp.IDs[0]
	hits := make([]Hit, 0, len(ids))
	for i, id := range ids {
		c := Chunk{ChunkID: id}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			c.Text = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			applyMetadata(&c, resp.Metadatas[0][i])
		}
		h := Hit{Chunk: c}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			h.Distance = resp.Distances[0][i]
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func metadataOf(c Chunk) map[string]any {
	m := map[string]any{
		"namespace_id": c.NamespaceID,
		"resource_id":  c.ResourceID,
		"chunk_index":  c.Index,
	}
	if c.Title != "" {
		m["title"] = c.Title
	}
	return m
}

func applyMetadata(c *Chunk, m map[string]any) {
	c.NamespaceID, _ = m["namespace_id"].(string)
	c.ResourceID, _ = m["resource_id"].(string)
	c.Title, _ = m["title"].(string)
	if idx, ok := m["chunk_index"].(float64); ok {
		c.Index = int(idx)
	}
}

func (x *HTTPIndex) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)) //nolint:errcheck,gosec
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
