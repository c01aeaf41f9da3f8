package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client, zap.NewNop())
}

func receive(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// =============================================================================
// Tests
// =============================================================================

func TestCache_Health(t *testing.T) {
	c := newTestCache(t)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
}

func TestCache_PublishJob(t *testing.T) {
	c := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.Subscribe(ctx, ChannelJobs)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	job := &domain.AsyncJob{ID: "job-1", Type: "VM.STOP", Status: domain.JobStatusSucceeded}
	if err := c.PublishJob(ctx, "job.succeeded", job); err != nil {
		t.Fatalf("PublishJob failed: %v", err)
	}

	ev := receive(t, events)
	if ev.Type != "job.succeeded" || ev.ResourceID != "job-1" {
		t.Errorf("unexpected event: %+v", ev)
	}

	var got domain.AsyncJob
	if err := json.Unmarshal(ev.Data, &got); err != nil {
		t.Fatalf("Unmarshal job failed: %v", err)
	}
	if got.Type != "VM.STOP" || got.Status != domain.JobStatusSucceeded {
		t.Errorf("unexpected job payload: %+v", got)
	}
}

func TestCache_PublishAlertOnlyReachesAlertChannel(t *testing.T) {
	c := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs, err := c.Subscribe(ctx, ChannelJobs)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	alerts, err := c.Subscribe(ctx, ChannelAlerts)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	alert := &domain.Alert{ID: "alert-1", Severity: domain.AlertSeverityCritical, Title: "Host Failed"}
	if err := c.PublishAlert(ctx, "alert.created", alert); err != nil {
		t.Fatalf("PublishAlert failed: %v", err)
	}

	if ev := receive(t, alerts); ev.ResourceID != "alert-1" {
		t.Errorf("expected alert-1, got %+v", ev)
	}

	select {
	case ev := <-jobs:
		t.Errorf("unexpected event on job channel: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCache_SubscribeClosesOnCancel(t *testing.T) {
	c := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := c.Subscribe(ctx, ChannelJobs)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
