// Package steps holds the append-only log of accepted edit steps for a document.
package steps

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Step is one opaque edit operation. Its structure belongs to the editor schema;
// the ledger only cares about ordering.
type Step = json.RawMessage

var (
	// ErrVersionAhead means a caller claims a version the ledger never reached.
	ErrVersionAhead = errors.New("version ahead of ledger")
	// ErrVersionCompacted means the requested steps predate the snapshot the ledger started from.
	ErrVersionCompacted = errors.New("version predates snapshot")
	// ErrInvalidVersion is returned for negative versions.
	ErrInvalidVersion = errors.New("invalid version")
)

// Ledger is not safe for concurrent use. The owning document session serializes
// access to it.
type Ledger struct {
	base  int
	steps []Step
}

// NewLedger starts a ledger at snapshotVersion, the version of the document it was seeded with.
func NewLedger(snapshotVersion int) *Ledger {
	if snapshotVersion < 0 {
		snapshotVersion = 0
	}
	return &Ledger{base: snapshotVersion}
}

// Version is the number of steps ever accepted, including those folded into the snapshot.
func (l *Ledger) Version() int {
	return l.base + len(l.steps)
}

func (l *Ledger) SnapshotVersion() int {
	return l.base
}

// Len is the number of steps held since the snapshot.
func (l *Ledger) Len() int {
	return len(l.steps)
}

// Append adds the batch in order and returns the new version.
func (l *Ledger) Append(batch []Step) int {
	for _, step := range batch {
		l.steps = append(l.steps, bytes.Clone(step))
	}
	return l.Version()
}

// Since returns every step with ordinal >= version. The returned slice shares the
// ledger's backing array but is capped, so later appends never show through it.
// Callers must not modify the steps.
func (l *Ledger) Since(version int) ([]Step, error) {
	switch {
	case version < 0:
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	case version > l.Version():
		return nil, fmt.Errorf("%w: requested %d, current %d", ErrVersionAhead, version, l.Version())
	case version < l.base:
		return nil, fmt.Errorf("%w: requested %d, snapshot %d", ErrVersionCompacted, version, l.base)
	}
	offset := version - l.base
	return l.steps[offset:len(l.steps):len(l.steps)], nil
}

// All returns every step held since the snapshot.
func (l *Ledger) All() []Step {
	return l.steps[0:len(l.steps):len(l.steps)]
}
