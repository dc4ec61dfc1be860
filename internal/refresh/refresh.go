// Package refresh re-materializes every configured source on a cron
// schedule through the cache service.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calmat/internal/cache"
	"calmat/internal/config"
	appLog "calmat/internal/log"
)

// Requester is the part of *cache.Service the scheduler needs.
type Requester interface {
	Request(ctx context.Context, key string, req cache.Request)
}

// Scheduler queues one cache request per source on every tick.
type Scheduler struct {
	cron *cron.Cron
	svc  Requester
	now  func() time.Time

	mu  sync.Mutex
	cfg *config.Config
	ctx context.Context
}

// New parses cfg.RefreshCron (standard five fields, or descriptors such as
// "@every 10m") and returns a stopped scheduler.
func New(cfg *config.Config, svc Requester) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(),
		svc:  svc,
		now:  time.Now,
		cfg:  cfg,
		ctx:  context.Background(),
	}
	if _, err := s.cron.AddFunc(cfg.RefreshCron, s.RunOnce); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", cfg.RefreshCron, err)
	}
	return s, nil
}

// Start queues an initial refresh and starts the schedule. Requests made
// by the scheduler are bound to ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.RunOnce()
	s.cron.Start()
	appLog.Info("refresh scheduler started", "schedule", s.cfg.RefreshCron)
}

// Stop halts the schedule and waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next reports when the next tick fires; zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce queues a request for every source, keyed by source id.
func (s *Scheduler) RunOnce() {
	s.mu.Lock()
	ctx, cfg := s.ctx, s.cfg
	s.mu.Unlock()

	opts := cfg.Options(s.now())
	for _, src := range cfg.Sources {
		appLog.Debug("refresh queued", "source", src.ID)
		s.svc.Request(ctx, src.ID, cache.Request{
			Source:  src.Source(),
			Options: opts,
		})
	}
}
