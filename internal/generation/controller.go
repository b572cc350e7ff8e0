package generation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tandem/api/internal/collab"
	"tandem/api/internal/metrics"
	"tandem/api/internal/relay"
	"tandem/api/internal/steps"
)

// Gate is the part of the session registry a generation drives.
type Gate interface {
	Submit(ctx context.Context, batch collab.Batch) (collab.Result, error)
	Snapshot(documentID string) (collab.Snapshot, error)
	AttachGeneration(documentID, generationID string) error
	DetachGeneration(documentID, generationID string)
	Announce(documentID, excludeClientID string, payload relay.Payload) error
}

type Config struct {
	DefaultTimeout    time.Duration
	MaxTimeout        time.Duration
	Retention         time.Duration
	MaxRebaseAttempts int
	// BatchesPerSecond paces submissions of every generation; zero disables pacing.
	BatchesPerSecond float64
}

const (
	defaultTimeout           = 60 * time.Second
	defaultRetention         = 10 * time.Minute
	defaultMaxRebaseAttempts = 32
	storeTimeout             = 2 * time.Second
)

type Controller struct {
	gate     Gate
	producer Producer
	rebaser  Rebaser
	store    StatusStore
	cfg      Config
	newID    func() string
	now      func() time.Time

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

type run struct {
	// mu guards gen and is held from the cancellation check through the gate
	// submission, so nothing is submitted once Cancel has returned.
	mu      sync.Mutex
	gen     Generation
	base    int
	cancel  context.CancelCauseFunc
	limiter *rate.Limiter
	done    chan struct{}
	expires time.Time
}

// New builds a controller. store may be nil, in which case terminal generations
// are only pollable while they are retained in memory.
func New(gate Gate, producer Producer, rebaser Rebaser, store StatusStore, cfg Config, newID func() string) *Controller {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.MaxRebaseAttempts <= 0 {
		cfg.MaxRebaseAttempts = defaultMaxRebaseAttempts
	}
	return &Controller{
		gate:     gate,
		producer: producer,
		rebaser:  rebaser,
		store:    store,
		cfg:      cfg,
		newID:    newID,
		now:      time.Now,
		runs:     make(map[string]*run),
	}
}

// Start attaches a new generation to the document and runs it in the
// background. A document with a running generation rejects the request with
// collab.ErrGenerationActive.
func (c *Controller) Start(ctx context.Context, documentID, instruction string, opts Options) (Generation, error) {
	if strings.TrimSpace(documentID) == "" {
		return Generation{}, fmt.Errorf("%w: documentId is required", collab.ErrInvalidArgument)
	}
	if strings.TrimSpace(instruction) == "" {
		return Generation{}, fmt.Errorf("%w: prompt is required", collab.ErrInvalidArgument)
	}
	if opts.ReplaceRange != nil && (opts.ReplaceRange.From < 0 || opts.ReplaceRange.To < opts.ReplaceRange.From) {
		return Generation{}, fmt.Errorf("%w: replaceRange must satisfy 0 <= from <= to", collab.ErrInvalidArgument)
	}
	if opts.Position != nil && *opts.Position < 0 {
		return Generation{}, fmt.Errorf("%w: position must not be negative", collab.ErrInvalidArgument)
	}
	if opts.Timeout < 0 {
		return Generation{}, fmt.Errorf("%w: timeout must not be negative", collab.ErrInvalidArgument)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if timeout > c.cfg.MaxTimeout {
		timeout = c.cfg.MaxTimeout
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Generation{}, ErrClosed
	}
	c.pruneLocked(c.now())
	c.mu.Unlock()

	id := c.newID()
	if err := c.gate.AttachGeneration(documentID, id); err != nil {
		return Generation{}, err
	}
	snapshot, err := c.gate.Snapshot(documentID)
	if err != nil {
		c.gate.DetachGeneration(documentID, id)
		return Generation{}, err
	}

	now := c.now()
	r := &run{
		gen: Generation{
			ID:           id,
			DocumentID:   documentID,
			Instruction:  instruction,
			RequesterID:  opts.RequesterID,
			ReplaceRange: opts.ReplaceRange,
			Position:     opts.Position,
			Status:       StatusPending,
			Version:      snapshot.Version,
			TimeoutMs:    timeout.Milliseconds(),
			CreatedAt:    now,
		},
		base: snapshot.Version,
		done: make(chan struct{}),
	}
	if c.cfg.BatchesPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(c.cfg.BatchesPerSecond), 1)
	}

	// The run outlives the request that started it.
	parent, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx, stop := context.WithTimeoutCause(parent, timeout, errTimedOut)
	r.cancel = cancel

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		cancel(errShutdown)
		c.gate.DetachGeneration(documentID, id)
		return Generation{}, ErrClosed
	}
	r.gen.Status = StatusRunning
	r.gen.StartedAt = &now
	gen := r.gen
	c.runs[id] = r
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.GenerationStarted()
	c.persist(gen)
	c.announce(gen, relay.KindGenerationStarted, "")
	log.Printf("generation: %s started on %s at version %d (timeout %s)", id, documentID, snapshot.Version, timeout)

	req := Request{
		GenerationID: id,
		DocumentID:   documentID,
		Instruction:  instruction,
		ReplaceRange: opts.ReplaceRange,
		Position:     opts.Position,
		Document:     snapshot.Document,
		Version:      snapshot.Version,
		Steps:        snapshot.Steps,
	}
	go c.execute(runCtx, stop, r, req)
	return gen, nil
}

// Cancel moves a running generation to cancelled. Once it returns no further
// batch of the generation reaches the gate; a batch already inside the gate
// completes.
func (c *Controller) Cancel(ctx context.Context, id string) (Generation, error) {
	r := c.lookup(id)
	if r == nil {
		gen, err := c.Status(ctx, id)
		if err != nil {
			return Generation{}, err
		}
		return gen, ErrNotRunning
	}

	r.mu.Lock()
	if r.gen.Status != StatusRunning {
		gen := r.gen
		r.mu.Unlock()
		return gen, ErrNotRunning
	}
	c.terminateLocked(r, StatusCancelled, ReasonCancelled)
	r.cancel(errCancelled)
	gen := r.gen
	r.mu.Unlock()

	c.gate.DetachGeneration(gen.DocumentID, gen.ID)
	log.Printf("generation: %s cancelled after %d batches", id, gen.BatchCount)
	return gen, nil
}

// Status returns the current view of a generation without side effects.
func (c *Controller) Status(ctx context.Context, id string) (Generation, error) {
	if r := c.lookup(id); r != nil {
		return r.snapshot(), nil
	}
	if c.store == nil {
		return Generation{}, fmt.Errorf("%w: %s", ErrGenerationNotFound, id)
	}
	gen, err := c.store.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, ErrGenerationNotFound) {
			return Generation{}, err
		}
		return Generation{}, fmt.Errorf("lookup generation %s: %w", id, err)
	}
	return gen, nil
}

// Active lists running generations, oldest first.
func (c *Controller) Active() []Generation {
	c.mu.Lock()
	c.pruneLocked(c.now())
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	items := make([]Generation, 0, len(runs))
	for _, r := range runs {
		if gen := r.snapshot(); gen.Status == StatusRunning {
			items = append(items, gen)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// Wait blocks until the generation has finished and its lifecycle event went out.
func (c *Controller) Wait(ctx context.Context, id string) (Generation, error) {
	r := c.lookup(id)
	if r == nil {
		return c.Status(ctx, id)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return Generation{}, ctx.Err()
	}
}

// Close refuses new generations, cancels the running ones and waits for them
// to wind down.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		if !r.gen.Status.Terminal() {
			r.cancel(errShutdown)
		}
		r.mu.Unlock()
	}

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) execute(ctx context.Context, stop context.CancelFunc, r *run, req Request) {
	defer c.wg.Done()
	defer r.cancel(nil)
	defer stop()

	produced := make(chan error, 1)
	go func() {
		produced <- c.producer.Produce(ctx, req, func(batch []steps.Step) ([]steps.Step, error) {
			return c.submit(ctx, r, batch)
		})
	}()

	var err error
	select {
	case err = <-produced:
	case <-ctx.Done():
		// A producer that ignores ctx can no longer submit, so stop waiting for it.
		select {
		case err = <-produced:
		default:
			err = context.Cause(ctx)
		}
	}
	c.finish(ctx, r, err)
}

func (c *Controller) submit(ctx context.Context, r *run, batch []steps.Step) ([]steps.Step, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, stopCause(ctx, err)
		}
	}

	pending := [][]steps.Step{batch}
	for attempt := 0; ; attempt++ {
		r.mu.Lock()
		if r.gen.Status != StatusRunning || ctx.Err() != nil {
			r.mu.Unlock()
			return nil, stopCause(ctx, ErrNotRunning)
		}
		// The batch is atomic: once presented it is not interrupted by cancellation.
		result, err := c.gate.Submit(context.WithoutCancel(ctx), collab.Batch{
			DocumentID:  r.gen.DocumentID,
			BaseVersion: r.base,
			Steps:       pending[0],
			ClientID:    collab.GenerationClientID(r.gen.ID),
		})
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("submit batch: %w", err)
		}
		if result.Accepted {
			r.base = result.Version
			r.gen.Version = result.Version
			r.gen.BatchCount++
			r.gen.StepCount += len(pending[0])
			gen := r.gen
			r.mu.Unlock()

			c.persist(gen)
			c.announce(gen, relay.KindGenerationStepApplied, "")
			return pending[0], nil
		}
		r.mu.Unlock()

		if attempt >= c.cfg.MaxRebaseAttempts {
			return nil, fmt.Errorf("%w after %d attempts", ErrRebaseExhausted, attempt)
		}
		rebased, err := c.rebaser.Rebase(ctx, pending, result.MissingSteps)
		if err != nil {
			return nil, fmt.Errorf("rebase against version %d: %w", result.Version, stopCause(ctx, err))
		}

		if len(rebased) == 0 {
			// The base stays put: the producer's next batch still uses positions
			// from before the missed steps and has to be mapped through them too.
			return nil, nil
		}
		r.mu.Lock()
		r.base = result.Version
		r.mu.Unlock()
		pending = rebased[:1]
	}
}

func (c *Controller) finish(ctx context.Context, r *run, err error) {
	r.mu.Lock()
	if r.gen.Status == StatusRunning {
		switch {
		case err == nil:
			c.terminateLocked(r, StatusCompleted, "")
		case ctx.Err() != nil:
			c.terminateLocked(r, StatusCancelled, reasonFor(context.Cause(ctx)))
		default:
			c.terminateLocked(r, StatusFailed, err.Error())
		}
	}
	gen := r.gen
	r.mu.Unlock()

	c.gate.DetachGeneration(gen.DocumentID, gen.ID)
	c.persist(gen)

	kind := relay.KindGenerationComplete
	switch gen.Status {
	case StatusCancelled:
		kind = relay.KindGenerationCancelled
	case StatusFailed:
		kind = relay.KindGenerationFailed
	}
	c.announce(gen, kind, gen.Reason)

	var elapsed time.Duration
	if gen.StartedAt != nil && gen.FinishedAt != nil {
		elapsed = gen.FinishedAt.Sub(*gen.StartedAt)
	}
	metrics.GenerationFinished(string(gen.Status), gen.Reason, elapsed)
	log.Printf("generation: %s %s on %s after %d batches (%d steps) %s", gen.ID, gen.Status, gen.DocumentID, gen.BatchCount, gen.StepCount, gen.Reason)
	close(r.done)
}

// terminateLocked requires r.mu.
func (c *Controller) terminateLocked(r *run, status Status, reason string) {
	now := c.now()
	r.gen.Status = status
	r.gen.Reason = reason
	r.gen.FinishedAt = &now
	r.expires = now.Add(c.cfg.Retention)
}

func (c *Controller) announce(gen Generation, kind relay.Kind, reason string) {
	payload := relay.Payload{
		Type:         kind,
		GenerationID: gen.ID,
		RequesterID:  gen.RequesterID,
		Version:      gen.Version,
		BatchCount:   gen.BatchCount,
		StepCount:    gen.StepCount,
		Reason:       reason,
	}
	if err := c.gate.Announce(gen.DocumentID, "", payload); err != nil {
		log.Printf("generation: announce %s for %s failed: %v", kind, gen.ID, err)
	}
}

func (c *Controller) persist(gen Generation) {
	if c.store == nil {
		return
	}
	ttl := c.cfg.Retention
	if !gen.Status.Terminal() {
		ttl += time.Duration(gen.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Save(ctx, gen, ttl); err != nil {
		log.Printf("generation: save status of %s failed: %v", gen.ID, err)
	}
}

func (c *Controller) lookup(id string) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[id]
}

// pruneLocked drops terminal runs past retention. Requires c.mu.
func (c *Controller) pruneLocked(now time.Time) {
	for id, r := range c.runs {
		select {
		case <-r.done:
		default:
			continue
		}
		if now.After(r.expiry()) {
			delete(c.runs, id)
		}
	}
}

func (r *run) snapshot() Generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

func (r *run) expiry() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expires
}

func reasonFor(cause error) string {
	switch {
	case errors.Is(cause, errTimedOut):
		return ReasonTimeout
	case errors.Is(cause, errShutdown):
		return ReasonShutdown
	default:
		return ReasonCancelled
	}
}

// stopCause prefers the context's cancellation cause over err.
func stopCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}
