// Package search indexes the plain text of open documents in Meilisearch so
// operators can find a session by what is written in it.
package search

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"
)

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID string    `json:"documentId"`
	Version    int       `json:"version"`
	Snippet    string    `json:"snippet"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// DocumentRecord is what gets indexed for one document.
type DocumentRecord struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Version    int       `json:"version"`
	Text       string    `json:"text"`
	CapturedAt time.Time `json:"capturedAt"`
}

var indexKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// NewDocumentRecord builds the record for documentID. Meilisearch only accepts
// a restricted alphabet for primary keys, so other IDs are hashed.
func NewDocumentRecord(documentID string, version int, text string, capturedAt time.Time) DocumentRecord {
	return DocumentRecord{
		ID:         indexKey(documentID),
		DocumentID: documentID,
		Version:    version,
		Text:       text,
		CapturedAt: capturedAt,
	}
}

func indexKey(documentID string) string {
	if indexKeyPattern.MatchString(documentID) {
		return documentID
	}
	sum := sha256.Sum256([]byte(documentID))
	return "h-" + hex.EncodeToString(sum[:16])
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
