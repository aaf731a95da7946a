package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"vigil/internal/config"
	"vigil/internal/logging"
	"vigil/internal/models"
)

type registeredBehavior struct {
	kind models.BehaviorKind
	fn   models.BehaviorFunc
}

// HeartbeatService periodically runs registered behaviors for configured
// users and routes the resulting proactive actions to the notifier.
type HeartbeatService struct {
	cfg      *config.Config
	notifier *NotifierService

	mu        sync.RWMutex
	behaviors map[string]registeredBehavior
	jobs      map[string]gocron.Job // userID -> scheduled heartbeat
	users     map[string]*models.HeartbeatConfig

	scheduler gocron.Scheduler
	started   bool
}

// NewHeartbeatService creates a heartbeat service.
func NewHeartbeatService(cfg *config.Config, notifier *NotifierService) (*HeartbeatService, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &HeartbeatService{
		cfg:       cfg,
		notifier:  notifier,
		behaviors: make(map[string]registeredBehavior),
		jobs:      make(map[string]gocron.Job),
		users:     make(map[string]*models.HeartbeatConfig),
		scheduler: scheduler,
	}, nil
}

// RegisterBehavior registers a named behavior. Behaviors are shared; users
// opt in per name through ConfigureUser.
func (s *HeartbeatService) RegisterBehavior(name string, kind models.BehaviorKind, fn models.BehaviorFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("behavior name and function are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.behaviors[name]; exists {
		return fmt.Errorf("behavior already registered: %s", name)
	}
	s.behaviors[name] = registeredBehavior{kind: kind, fn: fn}
	log.Printf("💓 [HEARTBEAT] Registered %s behavior %q", kind, name)
	return nil
}

// Behaviors lists the registered behavior names.
func (s *HeartbeatService) Behaviors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.behaviors))
	for name := range s.behaviors {
		names = append(names, name)
	}
	return names
}

// ConfigureUser installs or replaces the heartbeat for one user. Every
// behavior named in the config must already be registered. A zero interval
// uses the configured default.
func (s *HeartbeatService) ConfigureUser(hc *models.HeartbeatConfig) error {
	if hc.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(hc.Behaviors) == 0 {
		return fmt.Errorf("heartbeat requires at least one behavior")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range hc.Behaviors {
		if _, ok := s.behaviors[name]; !ok {
			return fmt.Errorf("unknown behavior: %s", name)
		}
	}

	interval := hc.Interval
	if interval <= 0 {
		interval = s.cfg.HeartbeatInterval
	}

	if old, ok := s.jobs[hc.UserID]; ok {
		if err := s.scheduler.RemoveJob(old.ID()); err != nil {
			log.Printf("⚠️ [HEARTBEAT] Failed to remove old job for %s: %v", hc.UserID, err)
		}
		delete(s.jobs, hc.UserID)
	}

	userID := hc.UserID
	behaviors := append([]string(nil), hc.Behaviors...)
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.beat(userID, behaviors) }),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule heartbeat: %w", err)
	}

	s.jobs[hc.UserID] = job
	clone := *hc
	clone.Interval = interval
	s.users[hc.UserID] = &clone
	log.Printf("💓 [HEARTBEAT] Configured user %s (%d behaviors every %s)", hc.UserID, len(behaviors), interval)
	return nil
}

// UserConfig returns one user's heartbeat configuration, or nil.
func (s *HeartbeatService) UserConfig(userID string) *models.HeartbeatConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hc, ok := s.users[userID]
	if !ok {
		return nil
	}
	clone := *hc
	return &clone
}

// RemoveUser stops and removes one user's heartbeat.
func (s *HeartbeatService) RemoveUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[userID]
	if !ok {
		return false
	}
	if err := s.scheduler.RemoveJob(job.ID()); err != nil {
		log.Printf("⚠️ [HEARTBEAT] Failed to remove job for %s: %v", userID, err)
	}
	delete(s.jobs, userID)
	delete(s.users, userID)
	return true
}

// Start begins ticking all configured heartbeats.
func (s *HeartbeatService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.scheduler.Start()
	s.started = true
	log.Println("🚀 [HEARTBEAT] Heartbeat engine started")
}

// Stop shuts the scheduler down, waiting for running behaviors.
func (s *HeartbeatService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if err := s.scheduler.Shutdown(); err != nil {
		log.Printf("⚠️ [HEARTBEAT] Scheduler shutdown: %v", err)
	}
	s.started = false
	log.Println("🛑 [HEARTBEAT] Heartbeat engine stopped")
}

// beat runs one heartbeat tick for one user. Behaviors run sequentially;
// a failing behavior is logged and never blocks the rest.
func (s *HeartbeatService) beat(userID string, behaviorNames []string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, name := range behaviorNames {
		s.mu.RLock()
		behavior, ok := s.behaviors[name]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		actions, err := behavior.fn(ctx, userID)
		if err != nil {
			metricHeartbeatRuns.WithLabelValues(name, "error").Inc()
			logging.WithUser(userID).Error("heartbeat behavior failed",
				"behavior", name, "error", err)
			continue
		}
		metricHeartbeatRuns.WithLabelValues(name, "ok").Inc()

		for _, action := range actions {
			payload := action.Payload
			if payload == nil {
				payload = map[string]interface{}{}
			}
			payload["behavior"] = name
			payload["kind"] = string(behavior.kind)

			if _, err := s.notifier.Notify(userID, action.Title, action.Message, action.Priority, payload, action.ExpiresAt); err != nil {
				log.Printf("❌ [HEARTBEAT] Failed to queue notification for user %s: %v", userID, err)
			}
		}
	}
}
