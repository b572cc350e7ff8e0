package collab

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"tandem/api/internal/steps"
)

const generationClientPrefix = "generation:"

// GenerationClientID is the pseudo-client identity a generation submits under.
func GenerationClientID(generationID string) string {
	return generationClientPrefix + generationID
}

// docSession is the live state of one open document. mu is the document's
// serialization point: the ledger and roster are only touched while holding it.
type docSession struct {
	mu         sync.Mutex
	id         string
	document   json.RawMessage
	ledger     *steps.Ledger
	clients    map[string]time.Time
	generation string
	createdAt  time.Time
	idleSince  time.Time
	evicted    bool
}

func newDocSession(id string, seed *Seed, now time.Time) *docSession {
	session := &docSession{
		id:        id,
		ledger:    steps.NewLedger(0),
		clients:   make(map[string]time.Time),
		createdAt: now,
	}
	if seed != nil {
		session.document = append(json.RawMessage(nil), seed.Document...)
		session.ledger = steps.NewLedger(seed.Version)
	}
	return session
}

func (s *docSession) roster() []string {
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *docSession) idle() bool {
	return len(s.clients) == 0 && s.generation == ""
}

// accepts reports whether clientID may submit steps to this session.
func (s *docSession) accepts(clientID string) bool {
	if _, ok := s.clients[clientID]; ok {
		return true
	}
	return s.generation != "" && clientID == GenerationClientID(s.generation)
}

func (s *docSession) describe() Description {
	desc := Description{
		DocumentID:       s.id,
		Version:          s.ledger.Version(),
		SnapshotVersion:  s.ledger.SnapshotVersion(),
		StepCount:        s.ledger.Len(),
		ClientCount:      len(s.clients),
		ActiveGeneration: s.generation,
		DocumentBytes:    len(s.document),
		CreatedAt:        s.createdAt,
	}
	if !s.idleSince.IsZero() {
		idleSince := s.idleSince
		desc.IdleSince = &idleSince
	}
	return desc
}
