package cron

import (
	"sync"
	"testing"
	"time"

	"github.com/talon-ai/talon/internal/bus"
	"github.com/talon-ai/talon/internal/config"
	"github.com/talon-ai/talon/pkg/models"
)

func TestReconcileAddsAndRemovesEntries(t *testing.T) {
	b := bus.New(nil, nil)
	defer b.Close()
	s := NewScheduler(b, nil)

	err := s.Reconcile([]config.CronEntry{
		{Name: "briefing", Schedule: "0 8 * * *", Message: "morning briefing"},
		{Name: "standup", Schedule: "30 9 * * 1-5", Message: "standup reminder"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Names(); len(got) != 2 || got[0] != "briefing" || got[1] != "standup" {
		t.Fatalf("names = %v", got)
	}

	err = s.Reconcile([]config.CronEntry{
		{Name: "standup", Schedule: "30 9 * * 1-5", Message: "standup reminder"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Names(); len(got) != 1 || got[0] != "standup" {
		t.Fatalf("names = %v", got)
	}
}

func TestReconcileRejectsIncompleteAndDuplicateEntries(t *testing.T) {
	b := bus.New(nil, nil)
	defer b.Close()
	s := NewScheduler(b, nil)

	if err := s.Reconcile([]config.CronEntry{{Name: "x", Schedule: "* * * * *"}}); err == nil {
		t.Fatal("expected error for missing message")
	}
	if err := s.Reconcile([]config.CronEntry{
		{Name: "x", Schedule: "* * * * *", Message: "a"},
		{Name: "x", Schedule: "* * * * *", Message: "b"},
	}); err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestReconcileReportsInvalidScheduleButKeepsOthers(t *testing.T) {
	b := bus.New(nil, nil)
	defer b.Close()
	s := NewScheduler(b, nil)

	err := s.Reconcile([]config.CronEntry{
		{Name: "bad", Schedule: "not a schedule", Message: "x"},
		{Name: "good", Schedule: "@daily", Message: "y"},
	})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if got := s.Names(); len(got) != 1 || got[0] != "good" {
		t.Fatalf("names = %v", got)
	}
}

func TestFiredEntryPublishesSyntheticInbound(t *testing.T) {
	b := bus.New(nil, nil)
	defer b.Close()

	var mu sync.Mutex
	var got []*models.Inbound
	if err := b.Subscribe(models.TopicInbound, "test", func(evt models.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.Payload.(*models.Inbound))
	}); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(b, nil)
	s.fire(config.CronEntry{Name: "briefing", Schedule: "@daily", Message: "morning briefing"})()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("inbound not published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	msg := got[0]
	if msg.Channel != models.ChannelCron || msg.SenderID != "briefing" || msg.Text != "morning briefing" {
		t.Fatalf("inbound = %+v", msg)
	}
}

func TestStartStopAreIdempotent(t *testing.T) {
	b := bus.New(nil, nil)
	defer b.Close()
	s := NewScheduler(b, nil)

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}

func TestReconcileReplacesChangedSchedule(t *testing.T) {
	b := bus.New(nil, nil)
	defer b.Close()
	s := NewScheduler(b, nil)

	if err := s.Reconcile([]config.CronEntry{{Name: "j", Schedule: "@daily", Message: "a"}}); err != nil {
		t.Fatal(err)
	}
	firstID := s.entries["j"].id

	if err := s.Reconcile([]config.CronEntry{{Name: "j", Schedule: "@hourly", Message: "a"}}); err != nil {
		t.Fatal(err)
	}
	if s.entries["j"].id == firstID {
		t.Fatal("changed schedule kept the old cron entry")
	}
	if s.entries["j"].cfg.Schedule != "@hourly" {
		t.Fatalf("schedule = %s", s.entries["j"].cfg.Schedule)
	}
}
