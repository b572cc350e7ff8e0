package store

import "time"

// Snapshot is one diagnostic capture of an open document.
type Snapshot struct {
	ID               int64     `json:"id"`
	DocumentID       string    `json:"documentId"`
	Version          int       `json:"version"`
	SnapshotVersion  int       `json:"snapshotVersion"`
	StepCount        int       `json:"stepCount"`
	ClientCount      int       `json:"clientCount"`
	DocumentBytes    int       `json:"documentBytes"`
	ActiveGeneration string    `json:"activeGeneration,omitempty"`
	ArchiveCommit    string    `json:"archiveCommit,omitempty"`
	CapturedAt       time.Time `json:"capturedAt"`
}

// GenerationRun is the durable record of a finished generation.
type GenerationRun struct {
	ID          string     `json:"id"`
	DocumentID  string     `json:"documentId"`
	RequesterID string     `json:"requesterId,omitempty"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	BatchCount  int        `json:"batchCount"`
	StepCount   int        `json:"stepCount"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  time.Time  `json:"finishedAt"`
}
