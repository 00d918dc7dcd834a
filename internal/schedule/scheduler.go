// Package schedule launches process runs on cron expressions attached to
// process records. A record opts in by carrying a non-empty schedule field.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	repos "github.com/taskmill/taskmill-backend/internal/data/repos/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
)

// Launcher starts a run for a record. Satisfied by the orchestrator.
type Launcher interface {
	StartProcessForRecord(ctx context.Context, recordID, triggeredBy string) (string, error)
}

type Config struct {
	Enabled bool
	// SyncInterval is how often record schedules are re-read from the store.
	SyncInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Minute
	}
}

// Scheduler keeps one cron entry per scheduled record and re-syncs entries
// against the store so records added or edited at runtime are picked up.
type Scheduler struct {
	log      *logger.Logger
	cron     *cron.Cron
	records  repos.RecordRepo
	launcher Launcher
	cfg      Config

	mu       sync.Mutex
	entries  map[string]cron.EntryID
	specs    map[string]string
	stopOnce sync.Once
	stopped  chan struct{}
}

func New(baseLog *logger.Logger, records repos.RecordRepo, launcher Launcher, cfg Config) *Scheduler {
	cfg.applyDefaults()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		log:      baseLog.With("component", "Scheduler"),
		cron:     cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		records:  records,
		launcher: launcher,
		cfg:      cfg,
		entries:  make(map[string]cron.EntryID),
		specs:    make(map[string]string),
		stopped:  make(chan struct{}),
	}
}

// Start loads the current schedules, starts cron and begins the periodic
// re-sync. Returns immediately when scheduling is disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("scheduling disabled")
		return nil
	}
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("scheduler started", "entries", s.EntryCount(), "sync_interval", s.cfg.SyncInterval)

	go func() {
		ticker := time.NewTicker(s.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.Stop()
				return
			case <-ticker.C:
				if err := s.Reload(ctx); err != nil {
					s.log.Warn("schedule re-sync failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop drains running jobs. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopped)
		s.log.Info("scheduler stopped")
	})
}

func (s *Scheduler) Done() <-chan struct{} { return s.stopped }

// Reload diffs the store's scheduled records against the registered cron
// entries, adding, replacing and pruning as needed.
func (s *Scheduler) Reload(ctx context.Context) error {
	recs, err := s.records.ListScheduled(dbctx.Context{Ctx: ctx})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		spec := *rec.Schedule
		seen[rec.ID] = true
		if s.specs[rec.ID] == spec {
			continue
		}
		if id, ok := s.entries[rec.ID]; ok {
			s.cron.Remove(id)
			delete(s.entries, rec.ID)
			delete(s.specs, rec.ID)
		}
		recordID := rec.ID
		entryID, err := s.cron.AddFunc(spec, func() { s.fire(recordID) })
		if err != nil {
			s.log.Warn("invalid cron expression; skipping record", "record_id", rec.ID, "schedule", spec, "error", err)
			continue
		}
		s.entries[rec.ID] = entryID
		s.specs[rec.ID] = spec
		s.log.Info("schedule registered", "record_id", rec.ID, "schedule", spec)
	}

	for id, entryID := range s.entries {
		if !seen[id] {
			s.cron.Remove(entryID)
			delete(s.entries, id)
			delete(s.specs, id)
			s.log.Info("schedule removed", "record_id", id)
		}
	}
	return nil
}

// fire launches one run. A record still running from the previous tick is
// skipped, not queued behind it.
func (s *Scheduler) fire(recordID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	processID, err := s.launcher.StartProcessForRecord(ctx, recordID, "schedule")
	if err != nil {
		if pkgerr.IsValidation(err) {
			s.log.Info("scheduled run skipped", "record_id", recordID, "reason", err)
			return
		}
		s.log.Error("scheduled run failed to start", "record_id", recordID, "error", err)
		return
	}
	s.log.Info("scheduled run started", "record_id", recordID, "process_id", processID)
}

func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
