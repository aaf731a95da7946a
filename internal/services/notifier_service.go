package services

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/models"
)

// ChannelInApp is the built-in delivery channel backed by the in-memory
// queue. It is the only channel the notifier delivers on; preferences that
// list other channel names without it hold notifications in the queue.
const ChannelInApp = "inapp"

// NotifierService queues proactive notifications per user. Queues live in
// memory; consumers are expected to drain them through List and MarkRead.
// Quiet hours hold non-urgent notifications back from delivery without
// dropping them.
type NotifierService struct {
	mu     sync.RWMutex
	queues map[string][]*models.Notification
	prefs  map[string]*models.NotificationPreferences

	now func() time.Time // swapped in tests
}

// NewNotifierService creates an empty notifier.
func NewNotifierService() *NotifierService {
	return &NotifierService{
		queues: make(map[string][]*models.Notification),
		prefs:  make(map[string]*models.NotificationPreferences),
		now:    time.Now,
	}
}

// Notify queues a notification for a user and returns the stored copy.
// Already-expired notifications are dropped. Delivery is suppressed during
// the user's quiet hours unless the priority is urgent, and whenever the
// user's channel preferences exclude the in-app channel.
func (s *NotifierService) Notify(userID, title, message string, priority models.NotificationPriority, payload map[string]interface{}, expiresAt *time.Time) (*models.Notification, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if title == "" && message == "" {
		return nil, fmt.Errorf("notification needs a title or message")
	}
	if priority == "" {
		priority = models.NotificationNormal
	}

	now := s.now()
	if expiresAt != nil && now.After(*expiresAt) {
		return nil, nil
	}

	n := &models.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	channelOpen := s.channelEnabled(userID, ChannelInApp)
	n.Delivered = channelOpen &&
		(priority == models.NotificationUrgent || !s.inQuietHours(userID, now))

	s.mu.Lock()
	s.queues[userID] = append(s.queues[userID], n)
	depth := s.totalQueuedLocked()
	s.mu.Unlock()

	metricNotificationQueueDepth.Set(float64(depth))
	if !n.Delivered {
		if !channelOpen {
			log.Printf("🔕 [NOTIFIER] Held notification for %s (in-app channel disabled)", userID)
		} else {
			log.Printf("🌙 [NOTIFIER] Held notification for %s during quiet hours", userID)
		}
	}

	clone := *n
	return &clone, nil
}

// List returns a user's notifications ordered by priority, then recency.
// With unreadOnly set, read notifications are omitted. Expired notifications
// are pruned as a side effect.
func (s *NotifierService) List(userID string, unreadOnly bool) []*models.Notification {
	now := s.now()

	s.mu.Lock()
	s.pruneExpiredLocked(userID, now)
	queue := s.queues[userID]
	out := make([]*models.Notification, 0, len(queue))
	for _, n := range queue {
		if unreadOnly && n.Read {
			continue
		}
		clone := *n
		out = append(out, &clone)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if wi, wj := out[i].Priority.Weight(), out[j].Priority.Weight(); wi != wj {
			return wi > wj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// UnreadCount returns how many unexpired unread notifications a user has.
func (s *NotifierService) UnreadCount(userID string) int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneExpiredLocked(userID, now)

	count := 0
	for _, n := range s.queues[userID] {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead marks one notification as read. Returns false when the
// notification does not exist or belongs to another user.
func (s *NotifierService) MarkRead(userID, notificationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.queues[userID] {
		if n.ID == notificationID {
			n.Read = true
			return true
		}
	}
	return false
}

// Dismiss removes one notification from the queue.
func (s *NotifierService) Dismiss(userID, notificationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[userID]
	for i, n := range queue {
		if n.ID == notificationID {
			s.queues[userID] = append(queue[:i], queue[i+1:]...)
			metricNotificationQueueDepth.Set(float64(s.totalQueuedLocked()))
			return true
		}
	}
	return false
}

// SetPreferences stores a user's delivery preferences.
func (s *NotifierService) SetPreferences(prefs *models.NotificationPreferences) error {
	if prefs.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if err := validateQuietHours(prefs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *prefs
	s.prefs[prefs.UserID] = &clone
	return nil
}

// GetPreferences returns a user's preferences, or nil when none are set.
func (s *NotifierService) GetPreferences(userID string) *models.NotificationPreferences {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs, ok := s.prefs[userID]
	if !ok {
		return nil
	}
	clone := *prefs
	return &clone
}

// channelEnabled reports whether a channel is active for a user. No
// preferences, or preferences with an empty channel list, enable every
// channel.
func (s *NotifierService) channelEnabled(userID, channel string) bool {
	s.mu.RLock()
	prefs := s.prefs[userID]
	s.mu.RUnlock()

	if prefs == nil || len(prefs.Channels) == 0 {
		return true
	}
	for _, c := range prefs.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

func (s *NotifierService) inQuietHours(userID string, now time.Time) bool {
	s.mu.RLock()
	prefs := s.prefs[userID]
	s.mu.RUnlock()

	if prefs == nil || prefs.QuietHoursStart == "" || prefs.QuietHoursEnd == "" {
		return false
	}
	if prefs.QuietHoursStart == prefs.QuietHoursEnd {
		return false
	}

	loc := time.UTC
	if prefs.Timezone != "" {
		if parsed, err := time.LoadLocation(prefs.Timezone); err == nil {
			loc = parsed
		}
	}

	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	start := parseClock(prefs.QuietHoursStart)
	end := parseClock(prefs.QuietHoursEnd)

	if start < end {
		return minutes >= start && minutes < end
	}
	// Window wraps midnight, e.g. 22:00 to 07:00
	return minutes >= start || minutes < end
}

func (s *NotifierService) pruneExpiredLocked(userID string, now time.Time) {
	queue := s.queues[userID]
	kept := queue[:0]
	for _, n := range queue {
		if n.ExpiresAt == nil || now.Before(*n.ExpiresAt) {
			kept = append(kept, n)
		}
	}
	if len(kept) != len(queue) {
		s.queues[userID] = kept
		metricNotificationQueueDepth.Set(float64(s.totalQueuedLocked()))
	}
}

func (s *NotifierService) totalQueuedLocked() int {
	total := 0
	for _, queue := range s.queues {
		total += len(queue)
	}
	return total
}

func validateQuietHours(prefs *models.NotificationPreferences) error {
	for _, clock := range []string{prefs.QuietHoursStart, prefs.QuietHoursEnd} {
		if clock != "" && parseClock(clock) < 0 {
			return fmt.Errorf("invalid quiet hours time: %s", clock)
		}
	}
	if (prefs.QuietHoursStart == "") != (prefs.QuietHoursEnd == "") {
		return fmt.Errorf("quiet hours require both start and end")
	}
	if prefs.Timezone != "" {
		if _, err := time.LoadLocation(prefs.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %s: %w", prefs.Timezone, err)
		}
	}
	return nil
}

// parseClock converts "HH:MM" to minutes since midnight, or -1 when malformed.
func parseClock(clock string) int {
	var h, m int
	if _, err := fmt.Sscanf(clock, "%d:%d", &h, &m); err != nil {
		return -1
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return -1
	}
	return h*60 + m
}
