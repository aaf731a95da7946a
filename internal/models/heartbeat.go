package models

import (
	"context"
	"time"
)

// BehaviorKind classifies a heartbeat behavior.
type BehaviorKind string

const (
	BehaviorCheck   BehaviorKind = "check"
	BehaviorAnalyze BehaviorKind = "analyze"
	BehaviorSuggest BehaviorKind = "suggest"
	BehaviorAlert   BehaviorKind = "alert"
	BehaviorAction  BehaviorKind = "action"
)

// ProactiveAction is the output of one heartbeat behavior run.
type ProactiveAction struct {
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Priority  NotificationPriority   `json:"priority"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
}

// BehaviorFunc runs one behavior for one user and returns zero or more
// proactive actions.
type BehaviorFunc func(ctx context.Context, userID string) ([]ProactiveAction, error)

// HeartbeatConfig configures the behaviors ticking for one user.
type HeartbeatConfig struct {
	UserID    string        `json:"user_id"`
	Behaviors []string      `json:"behaviors"` // registered behavior names
	Interval  time.Duration `json:"interval"`
}
