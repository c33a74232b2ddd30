// Package cron injects scheduled synthetic messages into the agent, so the
// assistant can run recurring jobs (briefings, reminders) through the same
// turn pipeline as any chat message.
package cron

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/talon-ai/talon/internal/bus"
	"github.com/talon-ai/talon/internal/config"
	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/pkg/models"
)

// Scheduler runs configured cron entries. Each firing publishes a synthetic
// inbound message on the bus under the fixed cron session.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]activeEntry
	bus     *bus.Bus
	logger  *observability.Logger
	started bool
}

// NewScheduler creates an idle scheduler. Standard 5-field cron expressions
// plus the @every and @daily descriptors are accepted.
func NewScheduler(b *bus.Bus, logger *observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]activeEntry),
		bus:     b,
		logger:  logger.With("component", "cron"),
	}
}

type activeEntry struct {
	id  cron.EntryID
	cfg config.CronEntry
}

// Start begins firing schedules. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Warn("cron scheduler already started")
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	<-s.cron.Stop().Done()
}

// Reconcile replaces the active entry set with the given config. Unchanged
// entries keep their schedule position; removed entries stop firing. Invalid
// expressions are reported but do not fail the rest of the batch.
func (s *Scheduler) Reconcile(entries []config.CronEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]config.CronEntry, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.Schedule == "" || e.Message == "" {
			return fmt.Errorf("cron entry needs name, schedule, and message: %+v", e)
		}
		if _, dup := wanted[e.Name]; dup {
			return fmt.Errorf("duplicate cron entry %q", e.Name)
		}
		wanted[e.Name] = e
	}

	var firstErr error
	for name, active := range s.entries {
		entry, keep := wanted[name]
		if keep && entry == active.cfg {
			continue
		}
		s.cron.Remove(active.id)
		delete(s.entries, name)
		s.logger.Info("removed cron entry", "name", name)
	}

	for name, entry := range wanted {
		if _, exists := s.entries[name]; exists {
			continue
		}
		id, err := s.cron.AddFunc(entry.Schedule, s.fire(entry))
		if err != nil {
			s.logger.Error("invalid cron schedule", "name", name, "schedule", entry.Schedule, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("cron entry %q: %w", name, err)
			}
			continue
		}
		s.entries[name] = activeEntry{id: id, cfg: entry}
		s.logger.Info("added cron entry", "name", name, "schedule", entry.Schedule)
	}
	return firstErr
}

// Names returns the active entry names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) fire(entry config.CronEntry) func() {
	return func() {
		s.logger.Info("cron entry fired", "name", entry.Name)
		s.bus.Publish(models.Event{
			Topic: models.TopicInbound,
			Payload: &models.Inbound{
				Channel:    models.ChannelCron,
				SenderID:   entry.Name,
				Text:       entry.Message,
				ReceivedAt: time.Now().UTC(),
			},
			Time: time.Now().UTC(),
		})
	}
}
