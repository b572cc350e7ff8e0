// Package snapshot periodically captures open documents for diagnostics: a
// row per document in Postgres, a commit in the document's git archive and
// its plain text in the search index.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"tandem/api/internal/collab"
	"tandem/api/internal/gitrepo"
	"tandem/api/internal/pmstep"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
)

type Source interface {
	Documents() []collab.Description
	Snapshot(documentID string) (collab.Snapshot, error)
}

type Recorder interface {
	InsertSnapshot(ctx context.Context, snapshot store.Snapshot) (store.Snapshot, error)
}

type Archiver interface {
	Commit(content gitrepo.Content) (gitrepo.CommitInfo, bool, error)
}

type Indexer interface {
	IndexDocument(doc search.DocumentRecord) error
	DeleteDocument(documentID string) error
}

// Report summarises one pass.
type Report struct {
	Documents int
	Recorded  int
	Archived  int
	Indexed   int
}

type outcome struct {
	recorded bool
	archived bool
	indexed  bool
}

type Job struct {
	source      Source
	recorder    Recorder
	archiver    Archiver
	indexer     Indexer
	concurrency int
	now         func() time.Time

	mu sync.Mutex

	// captured is the version last archived and indexed per open document.
	captured map[string]int
	running  bool
}

// New builds a job. recorder and archiver are optional.
func New(source Source, recorder Recorder, archiver Archiver, concurrency int) *Job {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Job{
		source:      source,
		recorder:    recorder,
		archiver:    archiver,
		concurrency: concurrency,
		now:         time.Now,
		captured:    make(map[string]int),
	}
}

// WithIndexer also pushes document text to a search index.
func (j *Job) WithIndexer(indexer Indexer) *Job {
	j.indexer = indexer
	return j
}

// Enabled reports whether the job has anywhere to write.
func (j *Job) Enabled() bool {
	return j.recorder != nil || j.archiver != nil || j.indexer != nil
}

// RunOnce captures every open document. A failing document does not stop the
// others; all failures are returned joined.
func (j *Job) RunOnce(ctx context.Context) (Report, error) {
	docs := j.source.Documents()
	for _, documentID := range j.forgetClosed(docs) {
		if j.indexer == nil {
			continue
		}
		if err := j.indexer.DeleteDocument(documentID); err != nil {
			log.Printf("snapshot: drop %s from search index: %v", documentID, err)
		}
	}

	var (
		mu     sync.Mutex
		report = Report{Documents: len(docs)}
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for _, desc := range docs {
		g.Go(func() error {
			out, err := j.capture(gctx, desc)
			mu.Lock()
			defer mu.Unlock()
			if out.recorded {
				report.Recorded++
			}
			if out.archived {
				report.Archived++
			}
			if out.indexed {
				report.Indexed++
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("snapshot %s: %w", desc.DocumentID, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

// Schedule runs the job on spec (standard cron syntax or descriptors such as
// "@every 5m") until ctx is done. Overlapping runs are skipped.
func (j *Job) Schedule(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { j.tick(ctx) }); err != nil {
		return fmt.Errorf("parse snapshot schedule %q: %w", spec, err)
	}
	c.Start()
	log.Printf("snapshot: scheduled %q", spec)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (j *Job) tick(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		log.Printf("snapshot: previous run still in progress, skipping")
		return
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	started := j.now()
	report, err := j.RunOnce(ctx)
	if err != nil {
		log.Printf("snapshot: run finished with errors: %v", err)
	}
	log.Printf("snapshot: %d documents, %d recorded, %d archived, %d indexed in %s", report.Documents, report.Recorded, report.Archived, report.Indexed, j.now().Sub(started))
}

func (j *Job) capture(ctx context.Context, desc collab.Description) (outcome, error) {
	var out outcome
	var commit string
	if (j.archiver != nil || j.indexer != nil) && j.captureDue(desc) {
		snap, err := j.source.Snapshot(desc.DocumentID)
		if errors.Is(err, collab.ErrUnknownDocument) {
			// Evicted since it was listed.
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if j.archiver != nil {
			info, changed, err := j.archiver.Commit(gitrepo.Content{
				DocumentID:      snap.DocumentID,
				SnapshotVersion: snap.SnapshotVersion,
				Version:         snap.Version,
				Document:        snap.Document,
				Steps:           snap.Steps,
			})
			if err != nil {
				return out, fmt.Errorf("archive: %w", err)
			}
			commit = info.Hash
			out.archived = changed
		}
		if j.indexer != nil {
			text, err := pmstep.CurrentText(snap.Document, snap.Steps)
			if err != nil {
				return out, fmt.Errorf("render text: %w", err)
			}
			record := search.NewDocumentRecord(snap.DocumentID, snap.Version, text, j.now().UTC())
			if err := j.indexer.IndexDocument(record); err != nil {
				return out, fmt.Errorf("index: %w", err)
			}
			out.indexed = true
		}
		j.markCaptured(desc.DocumentID, snap.Version)
	}

	if j.recorder == nil {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	_, err := j.recorder.InsertSnapshot(ctx, store.Snapshot{
		DocumentID:       desc.DocumentID,
		Version:          desc.Version,
		SnapshotVersion:  desc.SnapshotVersion,
		StepCount:        desc.StepCount,
		ClientCount:      desc.ClientCount,
		DocumentBytes:    desc.DocumentBytes,
		ActiveGeneration: desc.ActiveGeneration,
		ArchiveCommit:    commit,
		CapturedAt:       j.now().UTC(),
	})
	if err != nil {
		return out, fmt.Errorf("record: %w", err)
	}
	out.recorded = true
	return out, nil
}

func (j *Job) captureDue(desc collab.Description) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	version, ok := j.captured[desc.DocumentID]
	return !ok || version != desc.Version
}

func (j *Job) markCaptured(documentID string, version int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.captured[documentID] = version
}

// forgetClosed drops the documents that are no longer open and returns them.
func (j *Job) forgetClosed(docs []collab.Description) []string {
	open := make(map[string]struct{}, len(docs))
	for _, desc := range docs {
		open[desc.DocumentID] = struct{}{}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var closed []string
	for id := range j.captured {
		if _, ok := open[id]; !ok {
			delete(j.captured, id)
			closed = append(closed, id)
		}
	}
	return closed
}
