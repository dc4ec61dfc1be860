// Package cache runs fetch-and-materialize jobs in the background and
// keeps the latest result per caller-chosen key.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"calmat/internal/ics"
	appLog "calmat/internal/log"
	"calmat/internal/metrics"
	"calmat/internal/model"
)

// Status is the state of a key.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusRunning
	StatusDone
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Request describes one job: where the document comes from and how to
// materialize it.
type Request struct {
	Source  ics.Source
	Options ics.Options
}

// Loader returns the document text of a source. *ics.Fetcher is one.
type Loader interface {
	Fetch(ctx context.Context, src ics.Source) ([]byte, error)
}

// Snapshot is a copy of a key's state.
type Snapshot struct {
	Key       string
	Status    Status
	Events    []model.Event
	Err       error
	UpdatedAt time.Time
}

// job is one queued request; done closes when it has finished.
type job struct {
	done chan struct{}
}

type entry struct {
	status  Status
	events  []model.Event
	err     error
	updated time.Time
	tail    *job // most recently queued job
}

// Service owns the key map. Jobs for one key run one after another in
// request order; different keys run concurrently.
type Service struct {
	mu      sync.Mutex
	loader  Loader
	entries map[string]*entry
	metrics *metrics.Metrics
	now     func() time.Time
	wg      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records request outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a Service that loads documents through loader.
func New(loader Loader, opts ...Option) *Service {
	s := &Service{
		loader:  loader,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Request queues a job for key and returns immediately. The job starts
// once every earlier job for key has finished. Cancelling ctx abandons the
// job (queued or running) and records context.Canceled for key.
func (s *Service) Request(ctx context.Context, key string, req Request) {
	j := &job{done: make(chan struct{})}

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	prev := e.tail
	e.tail = j
	e.status = StatusPending
	s.mu.Unlock()

	s.metrics.AddInFlight(1)
	s.wg.Add(1)
	go s.run(ctx, key, req, prev, j)
}

func (s *Service) run(ctx context.Context, key string, req Request, prev *job, j *job) {
	defer s.wg.Done()
	defer close(j.done)
	defer s.metrics.AddInFlight(-1)

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			s.finish(key, j, nil, ctx.Err())
			return
		}
	}
	if err := ctx.Err(); err != nil {
		s.finish(key, j, nil, err)
		return
	}

	s.mu.Lock()
	if e := s.entries[key]; e != nil && e.tail == j {
		e.status = StatusRunning
	}
	s.mu.Unlock()

	start := s.now()
	events, err := s.load(ctx, req)
	s.metrics.ObserveMaterialize(req.Source.ID, s.now().Sub(start), len(events), err)
	s.finish(key, j, events, err)
}

func (s *Service) load(ctx context.Context, req Request) ([]model.Event, error) {
	body, err := s.loader.Fetch(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events, err := ics.Materialize(body, req.Options)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// finish publishes a job's outcome. A failed job keeps the previous
// events and records its error.
func (s *Service) finish(key string, j *job, events []model.Event, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if e == nil {
		// forgotten while an earlier job was still running
		return
	}
	e.updated = s.now()
	e.err = err
	if err == nil {
		e.events = events
	}
	if e.tail != j {
		// a later job is queued behind this one
		return
	}
	switch {
	case err == nil:
		e.status = StatusDone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.status = StatusCanceled
	default:
		e.status = StatusFailed
	}
	if err != nil {
		appLog.Error("cache request failed", err, "key", key)
	}
}

// Done reports whether key has no queued or running job. Unknown keys are
// not done.
func (s *Service) Done(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	return e.status != StatusPending && e.status != StatusRunning
}

// Latest returns a copy of the most recent successful result of key.
func (s *Service) Latest(key string) ([]model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.events == nil {
		return nil, false
	}
	return cloneEvents(e.events), true
}

// Err returns the error of the last finished job of key, if any.
func (s *Service) Err(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.err
	}
	return nil
}

// Snapshot returns a copy of key's state.
func (s *Service) Snapshot(key string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Snapshot{Key: key}, false
	}
	return e.snapshot(key), true
}

func (e *entry) snapshot(key string) Snapshot {
	return Snapshot{
		Key:       key,
		Status:    e.status,
		Events:    cloneEvents(e.events),
		Err:       e.err,
		UpdatedAt: e.updated,
	}
}

// Wait blocks until the job most recently queued for key at call time has
// finished, then returns its snapshot.
func (s *Service) Wait(ctx context.Context, key string) (Snapshot, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	var tail *job
	if ok {
		tail = e.tail
	}
	s.mu.Unlock()
	if tail == nil {
		return Snapshot{Key: key}, ErrUnknownKey
	}

	select {
	case <-tail.done:
	case <-ctx.Done():
		return Snapshot{Key: key}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.snapshot(key), nil
}

// Forget drops key once it has no queued or running job and reports
// whether it did. One-off keys are forgotten after use so the map only
// holds what the scheduler refreshes.
func (s *Service) Forget(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.status == StatusPending || e.status == StatusRunning {
		return false
	}
	delete(s.entries, key)
	return true
}

// Len returns the number of keys held.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close waits for every started job to finish.
func (s *Service) Close() {
	s.wg.Wait()
}

// ErrUnknownKey is returned by Wait for a key that was never requested.
var ErrUnknownKey = errors.New("cache: unknown key")

func cloneEvents(in []model.Event) []model.Event {
	if in == nil {
		return nil
	}
	out := make([]model.Event, len(in))
	for i, ev := range in {
		out[i] = ev.Clone()
	}
	return out
}
