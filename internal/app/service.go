package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tandem/api/internal/collab"
	"tandem/api/internal/generation"
	"tandem/api/internal/gitrepo"
	"tandem/api/internal/relay"
	"tandem/api/internal/search"
	"tandem/api/internal/steps"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

// History is the optional database of snapshot captures and finished generations.
type History interface {
	ListSnapshots(ctx context.Context, documentID string, limit int) ([]store.Snapshot, error)
	ListGenerations(ctx context.Context, documentID string, limit int) ([]store.GenerationRun, error)
}

// Archive is the optional git history of archived documents.
type Archive interface {
	History(documentID string, limit int) ([]gitrepo.CommitInfo, error)
	Head(documentID string) (gitrepo.Content, gitrepo.CommitInfo, error)
	ContentAt(documentID, hash string) (gitrepo.Content, error)
}

// Searcher is the optional full-text index of open documents.
type Searcher interface {
	Search(q search.Query) (search.Response, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Registry    *collab.Registry
	Generations *generation.Controller
	Mailboxes   *relay.Mailboxes
	History     History
	Archive     Archive
	Search      Searcher
	// Checks are probed by /api/ready, keyed by the name reported back.
	Checks map[string]Pinger

	SubmitsPerSecond float64
	SubmitBurst      int
}

type Service struct {
	registry    *collab.Registry
	generations *generation.Controller
	mailboxes   *relay.Mailboxes
	history     History
	archive     Archive
	search      Searcher
	checks      map[string]Pinger

	submitRate  rate.Limit
	submitBurst int

	// connMu pairs mailbox and roster changes so a replaced connection
	// cannot remove its successor from the roster.
	connMu sync.Mutex
}

func NewService(deps Dependencies) *Service {
	limit := rate.Inf
	if deps.SubmitsPerSecond > 0 {
		limit = rate.Limit(deps.SubmitsPerSecond)
	}
	burst := deps.SubmitBurst
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		registry:    deps.Registry,
		generations: deps.Generations,
		mailboxes:   deps.Mailboxes,
		history:     deps.History,
		archive:     deps.Archive,
		search:      deps.Search,
		checks:      deps.Checks,
		submitRate:  limit,
		submitBurst: burst,
	}
}

type JoinInput struct {
	DocumentID   string          `json:"documentId"`
	ClientID     string          `json:"clientId"`
	SeedDocument json.RawMessage `json:"seedDocument"`
	SeedVersion  int             `json:"seedVersion"`
}

type StartGenerationInput struct {
	Prompt       string            `json:"prompt"`
	ReplaceRange *generation.Range `json:"replaceRange"`
	Position     *int              `json:"position"`
	RequesterID  string            `json:"requesterId"`
	TimeoutMs    int64             `json:"timeoutMs"`
}

// Join opens the client's mailbox and attaches it to the document. The
// mailbox exists before the client enters the roster, so nothing relayed
// after the join state was taken is missed.
func (s *Service) Join(input JoinInput) (collab.JoinState, *relay.Mailbox, error) {
	documentID := strings.TrimSpace(input.DocumentID)
	clientID := strings.TrimSpace(input.ClientID)
	if documentID == "" {
		return collab.JoinState{}, nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId is required", nil)
	}
	if clientID == "" {
		clientID = util.NewID("client")
	}
	if input.SeedVersion < 0 {
		return collab.JoinState{}, nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "seedVersion must not be negative", nil)
	}
	var seed *collab.Seed
	if len(input.SeedDocument) > 0 && string(input.SeedDocument) != "null" {
		seed = &collab.Seed{Document: input.SeedDocument, Version: input.SeedVersion}
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	box := s.mailboxes.Open(documentID, clientID)
	state, err := s.registry.Join(documentID, clientID, seed)
	if err != nil {
		s.mailboxes.Remove(box)
		return collab.JoinState{}, nil, err
	}
	return state, box, nil
}

// Disconnect drops box and, unless a newer connection of the same client
// replaced it, removes the client from the document.
func (s *Service) Disconnect(box *relay.Mailbox) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if !s.mailboxes.Remove(box) {
		return
	}
	if err := s.registry.Leave(box.DocumentID, box.ClientID); err != nil && !errors.Is(err, collab.ErrUnknownDocument) {
		log.Printf("sync: leave %s on %s: %v", box.ClientID, box.DocumentID, err)
	}
}

// Submit hands a client batch to the gate. notify may be nil; see collab.Batch.
func (s *Service) Submit(ctx context.Context, documentID, clientID string, baseVersion int, batch []steps.Step, notify func(collab.Result)) (collab.Result, error) {
	return s.registry.Submit(ctx, collab.Batch{
		DocumentID:  documentID,
		BaseVersion: baseVersion,
		Steps:       batch,
		ClientID:    clientID,
		Notify:      notify,
	})
}

// NewSubmitLimiter returns the per-connection limiter for step submissions.
func (s *Service) NewSubmitLimiter() *rate.Limiter {
	return rate.NewLimiter(s.submitRate, s.submitBurst)
}

func (s *Service) Describe(documentID string) (collab.Description, error) {
	return s.registry.Describe(documentID)
}

func (s *Service) Documents() []collab.Description {
	return s.registry.Documents()
}

func (s *Service) StartGeneration(ctx context.Context, documentID string, input StartGenerationInput) (generation.Generation, error) {
	if input.TimeoutMs < 0 {
		return generation.Generation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "timeoutMs must not be negative", nil)
	}
	return s.generations.Start(ctx, documentID, input.Prompt, generation.Options{
		ReplaceRange: input.ReplaceRange,
		Position:     input.Position,
		RequesterID:  strings.TrimSpace(input.RequesterID),
		Timeout:      time.Duration(input.TimeoutMs) * time.Millisecond,
	})
}

func (s *Service) CancelGeneration(ctx context.Context, id string) (generation.Generation, error) {
	return s.generations.Cancel(ctx, id)
}

func (s *Service) GenerationStatus(ctx context.Context, id string) (generation.Generation, error) {
	return s.generations.Status(ctx, id)
}

func (s *Service) ActiveGenerations() []generation.Generation {
	return s.generations.Active()
}

func (s *Service) Snapshots(ctx context.Context, documentID string, limit int) ([]store.Snapshot, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Snapshot history is not configured", nil)
	}
	return s.history.ListSnapshots(ctx, documentID, limit)
}

func (s *Service) GenerationHistory(ctx context.Context, documentID string, limit int) ([]store.GenerationRun, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Generation history is not configured", nil)
	}
	return s.history.ListGenerations(ctx, documentID, limit)
}

func (s *Service) ArchiveHistory(documentID string, limit int) ([]gitrepo.CommitInfo, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Document archive is not configured", nil)
	}
	return s.archive.History(documentID, limit)
}

func (s *Service) Search(q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	resp, err := s.search.Search(q)
	if err != nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", err.Error(), nil)
	}
	return resp, nil
}

// ArchivedContent returns the archived state at revision, or the newest one
// for "head".
func (s *Service) ArchivedContent(documentID, revision string) (gitrepo.Content, error) {
	if s.archive == nil {
		return gitrepo.Content{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Document archive is not configured", nil)
	}
	if revision == "head" {
		content, _, err := s.archive.Head(documentID)
		return content, err
	}
	return s.archive.ContentAt(documentID, revision)
}

// Ready probes every configured dependency and returns the failures by name.
func (s *Service) Ready(ctx context.Context) (names []string, failures map[string]error) {
	failures = make(map[string]error)
	for name, check := range s.checks {
		names = append(names, name)
		if err := check.Ping(ctx); err != nil {
			failures[name] = err
		}
	}
	sort.Strings(names)
	return names, failures
}
