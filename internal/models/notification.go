package models

import "time"

// NotificationPriority orders queued notifications.
type NotificationPriority string

const (
	NotificationLow    NotificationPriority = "low"
	NotificationNormal NotificationPriority = "normal"
	NotificationHigh   NotificationPriority = "high"
	NotificationUrgent NotificationPriority = "urgent"
)

// notificationWeights orders priorities for queue sorting.
var notificationWeights = map[NotificationPriority]int{
	NotificationLow:    1,
	NotificationNormal: 2,
	NotificationHigh:   3,
	NotificationUrgent: 4,
}

// Weight returns the sort weight for the priority. Unknown values sort as normal.
func (p NotificationPriority) Weight() int {
	if w, ok := notificationWeights[p]; ok {
		return w
	}
	return notificationWeights[NotificationNormal]
}

// Notification is one queued proactive message for a user.
type Notification struct {
	ID       string               `json:"id"`
	UserID   string               `json:"user_id"`
	Title    string               `json:"title"`
	Message  string               `json:"message"`
	Priority NotificationPriority `json:"priority"`

	Payload map[string]interface{} `json:"payload,omitempty"`

	Read      bool `json:"read"`
	Delivered bool `json:"delivered"` // false while suppressed by quiet hours

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NotificationPreferences holds per-user delivery settings.
type NotificationPreferences struct {
	UserID   string   `json:"user_id"`
	Channels []string `json:"channels"` // enabled delivery channels

	// Quiet hours in "HH:MM" local to Timezone; equal values disable the window.
	QuietHoursStart string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}
