package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxDocuments = "tandem_documents"

// Meili indexes and searches document text via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not fatal: the health loop picks it up later.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDocuments,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxDocuments, err)
	}

	index := m.client.Index(idxDocuments)
	filterable := []interface{}{"documentId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxDocuments, err)
	}
	searchable := []string{"text", "documentId"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxDocuments, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch was reachable at the last check.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Ping reports the last known health for readiness checks.
func (m *Meili) Ping(context.Context) error {
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	return nil
}

// Search queries the document index.
func (m *Meili) Search(q Query) (Response, error) {
	if !m.healthy.Load() {
		return Response{}, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxDocuments,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToCrop:      []string{"text"},
			CropLength:            24,
			AttributesToHighlight: []string{"text"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return Response{}, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		DocumentID: decodeString(hit, "documentId"),
		Snippet:    firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text")),
	}
	if raw, ok := hit["version"]; ok {
		_ = json.Unmarshal(raw, &r.Version)
	}
	if raw, ok := hit["capturedAt"]; ok {
		_ = json.Unmarshal(raw, &r.CapturedAt)
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(formatted[key], &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexDocument adds or replaces a document's record.
func (m *Meili) IndexDocument(doc DocumentRecord) error {
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	_, err := m.client.Index(idxDocuments).AddDocuments([]DocumentRecord{doc}, nil)
	return err
}

// DeleteDocument removes a document's record.
func (m *Meili) DeleteDocument(documentID string) error {
	_, err := m.client.Index(idxDocuments).DeleteDocument(indexKey(documentID), nil)
	return err
}
