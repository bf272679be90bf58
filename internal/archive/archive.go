// Package archive keeps tagged upcoming events in Elasticsearch so past runs
// can be searched from the CLI and the MCP server.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/mfenderov/campuscal/pkg/models"
)

// Config holds Elasticsearch client configuration.
type Config struct {
	Addresses []string
	Index     string
	Username  string
	Password  string
	Transport http.RoundTripper // optional; used by tests
}

// Document is an archived event with the tag the classifier gave it.
type Document struct {
	models.Event
	Tag       string    `json:"tag,omitempty"`
	Selected  bool      `json:"selected"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Client wraps the Elasticsearch client with event archive operations.
type Client struct {
	es    *elasticsearch.Client
	index string
}

// New creates a new archive client.
func New(config Config) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: config.Addresses,
		Username:  config.Username,
		Password:  config.Password,
		Transport: config.Transport,
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ES client: %w", err)
	}

	return &Client{
		es:    es,
		index: config.Index,
	}, nil
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) bool {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return !res.IsError()
}

var indexMapping = `{
	"mappings": {
		"properties": {
			"id": { "type": "keyword" },
			"name": { "type": "text", "analyzer": "english", "fields": { "raw": { "type": "keyword" } } },
			"description": { "type": "text", "analyzer": "english" },
			"location": { "type": "text" },
			"start": { "type": "date" },
			"end": { "type": "date" },
			"flagged": { "type": "boolean" },
			"source_url": { "type": "keyword" },
			"tag": { "type": "keyword" },
			"selected": { "type": "boolean" },
			"indexed_at": { "type": "date" }
		}
	}
}`

// CreateIndex creates the index with the event mapping if it does not exist.
func (c *Client) CreateIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == 200 {
		return nil
	}

	res, err = c.es.Indices.Create(
		c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(bytes.NewReader([]byte(indexMapping))),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error creating index: %s", res.String())
	}

	return nil
}

// DeleteIndex removes the index (for testing/cleanup).
func (c *Client) DeleteIndex(ctx context.Context) error {
	res, err := c.es.Indices.Delete([]string{c.index}, c.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return nil
}

// IndexEvent stores a document under its event ID, replacing earlier versions.
func (c *Client) IndexEvent(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		doc.ID = models.GenerateEventID(doc.Name, doc.Start)
	}
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = time.Now().UTC()
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	res, err := c.es.Index(
		c.index,
		bytes.NewReader(data),
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(doc.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to index event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error indexing event (status %d): %s", res.StatusCode, res.String())
	}

	return nil
}

// Refresh forces an index refresh (useful for testing).
func (c *Client) Refresh(ctx context.Context) error {
	res, err := c.es.Indices.Refresh(
		c.es.Indices.Refresh.WithContext(ctx),
		c.es.Indices.Refresh.WithIndex(c.index),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source Document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// SearchOptions narrow a search.
type SearchOptions struct {
	Tag      string    // exact tag match
	After    time.Time // only events starting after this instant
	Selected bool      // only events that were picked for booking
}

// Search performs a BM25 text search over event names, descriptions and
// locations, boosting names.
func (c *Client) Search(ctx context.Context, query string, limit int, opts SearchOptions) ([]Document, error) {
	var must []map[string]any
	if query != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  query,
				"fields": []string{"name^2", "description", "location", "tag"},
			},
		})
	}

	var filter []map[string]any
	if opts.Tag != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"tag": opts.Tag}})
	}
	if !opts.After.IsZero() {
		filter = append(filter, map[string]any{"range": map[string]any{
			"start": map[string]any{"gt": opts.After.UTC().Format(time.RFC3339)},
		}})
	}
	if opts.Selected {
		filter = append(filter, map[string]any{"term": map[string]any{"selected": true}})
	}

	boolQuery := map[string]any{}
	if len(must) > 0 {
		boolQuery["must"] = must
	} else {
		boolQuery["must"] = map[string]any{"match_all": map[string]any{}}
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}

	searchQuery := map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"size":  limit,
	}

	data, err := json.Marshal(searchQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search error: %s", res.String())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	docs := make([]Document, len(sr.Hits.Hits))
	for i, hit := range sr.Hits.Hits {
		docs[i] = hit.Source
	}

	return docs, nil
}

type getResponse struct {
	Found  bool     `json:"found"`
	Source Document `json:"_source"`
}

// GetEvent retrieves an archived event by ID. It returns nil when not found.
func (c *Client) GetEvent(ctx context.Context, id string) (*Document, error) {
	res, err := c.es.Get(
		c.index,
		id,
		c.es.Get.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		return nil, nil
	}

	if res.IsError() {
		return nil, fmt.Errorf("get error: %s", res.String())
	}

	var gr getResponse
	if err := json.NewDecoder(res.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !gr.Found {
		return nil, nil
	}

	return &gr.Source, nil
}
