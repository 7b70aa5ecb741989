// Package vectorstore is an HTTP client for the external vector store that
// holds the indexed knowledge base. The store is written by an offline
// indexing job; this client only reads.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"concierge/internal/embedding"
	"concierge/internal/logging"
)

// ErrCollectionNotFound signals that the indexing job has not populated the
// requested collection yet.
var ErrCollectionNotFound = errors.New("collection not found")

// Client talks to a Chroma-style vector store REST API.
type Client struct {
	baseURL  string
	tenant   string
	database string
	http     *http.Client
	embedder embedding.Engine
}

// Config holds client construction parameters.
type Config struct {
	BaseURL  string
	Tenant   string
	Database string
	Timeout  time.Duration
}

// NewClient creates a vector store client. The embedder turns query text
// into vectors before search.
func NewClient(cfg Config, embedder embedding.Engine) *Client {
	if cfg.Tenant == "" {
		cfg.Tenant = "default_tenant"
	}
	if cfg.Database == "" {
		cfg.Database = "default_database"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		tenant:   cfg.Tenant,
		database: cfg.Database,
		http:     &http.Client{Timeout: cfg.Timeout},
		embedder: embedder,
	}
}

// Heartbeat verifies the store is reachable.
func (c *Client) Heartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v2/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vector store unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vector store heartbeat returned status %d", resp.StatusCode)
	}
	return nil
}

// Collection resolves a collection by name.
func (c *Client) Collection(ctx context.Context, name string) (*Collection, error) {
	url := fmt.Sprintf("%s/api/v2/tenants/%s/databases/%s/collections/%s",
		c.baseURL, c.tenant, c.database, name)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("collection lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("collection lookup returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var meta collectionMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode collection: %w", err)
	}

	return &Collection{client: c, id: meta.ID, name: name}, nil
}

// Collection is a named vector collection handle.
type Collection struct {
	client *Client
	id     string
	name   string
}

// Name returns the collection name.
func (col *Collection) Name() string { return col.name }

// QueryResult holds one nearest-neighbor search. Slices are parallel: slot i
// of each describes the i-th nearest document. Distances are cosine
// distances, lower is closer.
type QueryResult struct {
	IDs       []string
	Documents []string
	Metadatas []map[string]interface{}
	Distances []float64
}

// Query embeds text and returns the topK nearest documents, optionally
// filtered by a metadata where-clause.
func (col *Collection) Query(ctx context.Context, text string, topK int, where map[string]interface{}) (*QueryResult, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "vectorstore.Query")
	defer timer.StopWithThreshold(2 * time.Second)

	vector, err := col.client.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	reqBody := queryRequest{
		QueryEmbeddings: [][]float32{vector},
		NResults:        topK,
		Where:           where,
		Include:         []string{"documents", "metadatas", "distances"},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	url := fmt.Sprintf("%s/api/v2/tenants/%s/databases/%s/collections/%s/query",
		col.client.baseURL, col.client.tenant, col.client.database, col.id)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := col.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vector query returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var raw queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}

	result := &QueryResult{}
	if len(raw.IDs) > 0 {
		result.IDs = raw.IDs[0]
	}
	if len(raw.Documents) > 0 {
		result.Documents = raw.Documents[0]
	}
	if len(raw.Metadatas) > 0 {
		result.Metadatas = raw.Metadatas[0]
	}
	if len(raw.Distances) > 0 {
		result.Distances = raw.Distances[0]
	}

	logging.RetrievalDebug("Query %q in %s returned %d documents", truncate(text, 60), col.name, len(result.Documents))
	return result, nil
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type collectionMeta struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type queryRequest struct {
	QueryEmbeddings [][]float32            `json:"query_embeddings"`
	NResults        int                    `json:"n_results"`
	Where           map[string]interface{} `json:"where,omitempty"`
	Include         []string               `json:"include"`
}

// The store nests result arrays one level per query embedding; we always
// send exactly one.
type queryResponse struct {
	IDs       [][]string                 `json:"ids"`
	Documents [][]string                 `json:"documents"`
	Metadatas [][]map[string]interface{} `json:"metadatas"`
	Distances [][]float64                `json:"distances"`
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
