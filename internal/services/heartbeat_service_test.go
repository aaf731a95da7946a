package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"vigil/internal/config"
	"vigil/internal/models"
)

func newTestHeartbeatService(t *testing.T) (*HeartbeatService, *NotifierService) {
	t.Helper()

	notifier := NewNotifierService()
	svc, err := NewHeartbeatService(&config.Config{HeartbeatInterval: time.Hour}, notifier)
	if err != nil {
		t.Fatalf("Failed to create heartbeat service: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc, notifier
}

func TestRegisterBehavior(t *testing.T) {
	svc, _ := newTestHeartbeatService(t)

	noop := func(context.Context, string) ([]models.ProactiveAction, error) { return nil, nil }

	if err := svc.RegisterBehavior("inbox-check", models.BehaviorCheck, noop); err != nil {
		t.Fatalf("RegisterBehavior failed: %v", err)
	}
	if err := svc.RegisterBehavior("inbox-check", models.BehaviorCheck, noop); err == nil {
		t.Error("Expected error for duplicate behavior name")
	}
	if err := svc.RegisterBehavior("", models.BehaviorCheck, noop); err == nil {
		t.Error("Expected error for empty behavior name")
	}

	names := svc.Behaviors()
	if len(names) != 1 || names[0] != "inbox-check" {
		t.Errorf("Expected registered behavior listed, got %v", names)
	}
}

func TestConfigureUser_UnknownBehavior(t *testing.T) {
	svc, _ := newTestHeartbeatService(t)

	err := svc.ConfigureUser(&models.HeartbeatConfig{
		UserID:    "alice",
		Behaviors: []string{"does-not-exist"},
	})
	if err == nil {
		t.Error("Expected error for unknown behavior")
	}

	if err := svc.ConfigureUser(&models.HeartbeatConfig{UserID: "alice"}); err == nil {
		t.Error("Expected error for empty behavior list")
	}
	if err := svc.ConfigureUser(&models.HeartbeatConfig{Behaviors: []string{"x"}}); err == nil {
		t.Error("Expected error for missing user ID")
	}
}

func TestHeartbeatDeliversActions(t *testing.T) {
	svc, notifier := newTestHeartbeatService(t)

	var runs int64
	err := svc.RegisterBehavior("disk-check", models.BehaviorAlert,
		func(_ context.Context, userID string) ([]models.ProactiveAction, error) {
			atomic.AddInt64(&runs, 1)
			return []models.ProactiveAction{{
				Title:    "Disk almost full",
				Priority: models.NotificationHigh,
			}}, nil
		})
	if err != nil {
		t.Fatalf("RegisterBehavior failed: %v", err)
	}

	if err := svc.ConfigureUser(&models.HeartbeatConfig{
		UserID:    "alice",
		Behaviors: []string{"disk-check"},
		Interval:  20 * time.Millisecond,
	}); err != nil {
		t.Fatalf("ConfigureUser failed: %v", err)
	}

	svc.Start()
	time.Sleep(120 * time.Millisecond)
	svc.Stop()

	if atomic.LoadInt64(&runs) == 0 {
		t.Fatal("Expected behavior to run at least once")
	}

	queued := notifier.List("alice", false)
	if len(queued) == 0 {
		t.Fatal("Expected proactive notifications queued")
	}
	if queued[0].Title != "Disk almost full" {
		t.Errorf("Expected action title, got %q", queued[0].Title)
	}
	if queued[0].Payload["behavior"] != "disk-check" {
		t.Errorf("Expected behavior name in payload, got %v", queued[0].Payload)
	}
}

func TestBehaviorFailureDoesNotBlockRest(t *testing.T) {
	svc, notifier := newTestHeartbeatService(t)

	svc.RegisterBehavior("flaky", models.BehaviorCheck,
		func(context.Context, string) ([]models.ProactiveAction, error) {
			return nil, context.DeadlineExceeded
		})
	svc.RegisterBehavior("steady", models.BehaviorAlert,
		func(context.Context, string) ([]models.ProactiveAction, error) {
			return []models.ProactiveAction{{Title: "Still here"}}, nil
		})

	svc.beat("alice", []string{"flaky", "steady"})

	queued := notifier.List("alice", false)
	if len(queued) != 1 || queued[0].Title != "Still here" {
		t.Errorf("Expected the surviving behavior's action queued, got %d", len(queued))
	}
}

func TestRemoveUser(t *testing.T) {
	svc, _ := newTestHeartbeatService(t)

	noop := func(context.Context, string) ([]models.ProactiveAction, error) { return nil, nil }
	svc.RegisterBehavior("noop", models.BehaviorCheck, noop)

	if svc.RemoveUser("alice") {
		t.Error("Expected RemoveUser to report missing user")
	}

	if err := svc.ConfigureUser(&models.HeartbeatConfig{
		UserID:    "alice",
		Behaviors: []string{"noop"},
	}); err != nil {
		t.Fatalf("ConfigureUser failed: %v", err)
	}
	if got := svc.UserConfig("alice"); got == nil || got.Interval != time.Hour {
		t.Errorf("Expected default interval applied, got %+v", got)
	}

	if !svc.RemoveUser("alice") {
		t.Error("Expected RemoveUser to succeed")
	}
	if svc.UserConfig("alice") != nil {
		t.Error("Expected config gone after removal")
	}
}
