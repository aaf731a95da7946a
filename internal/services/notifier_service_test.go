package services

import (
	"testing"
	"time"

	"vigil/internal/models"
)

func TestNotifyAndListOrdering(t *testing.T) {
	svc := NewNotifierService()

	for _, n := range []struct {
		title    string
		priority models.NotificationPriority
	}{
		{"low", models.NotificationLow},
		{"urgent", models.NotificationUrgent},
		{"normal", models.NotificationNormal},
		{"high", models.NotificationHigh},
	} {
		if _, err := svc.Notify("alice", n.title, "", n.priority, nil, nil); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
	}

	queued := svc.List("alice", false)
	if len(queued) != 4 {
		t.Fatalf("Expected 4 notifications, got %d", len(queued))
	}
	wantOrder := []string{"urgent", "high", "normal", "low"}
	for i, want := range wantOrder {
		if queued[i].Title != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, queued[i].Title)
		}
	}

	if got := svc.List("bob", false); len(got) != 0 {
		t.Errorf("Expected empty queue for other user, got %d", len(got))
	}
}

func TestNotify_Validation(t *testing.T) {
	svc := NewNotifierService()

	if _, err := svc.Notify("", "t", "m", models.NotificationNormal, nil, nil); err == nil {
		t.Error("Expected error for missing user ID")
	}
	if _, err := svc.Notify("alice", "", "", models.NotificationNormal, nil, nil); err == nil {
		t.Error("Expected error for empty notification")
	}
}

func TestNotify_ExpiredDropped(t *testing.T) {
	svc := NewNotifierService()

	past := time.Now().Add(-time.Minute)
	n, err := svc.Notify("alice", "stale", "", models.NotificationNormal, nil, &past)
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if n != nil {
		t.Error("Expected already-expired notification to be dropped")
	}
	if got := svc.List("alice", false); len(got) != 0 {
		t.Errorf("Expected empty queue, got %d", len(got))
	}
}

func TestList_PrunesExpired(t *testing.T) {
	svc := NewNotifierService()

	soon := time.Now().Add(30 * time.Millisecond)
	svc.Notify("alice", "ephemeral", "", models.NotificationNormal, nil, &soon)
	svc.Notify("alice", "durable", "", models.NotificationNormal, nil, nil)

	time.Sleep(60 * time.Millisecond)

	queued := svc.List("alice", false)
	if len(queued) != 1 || queued[0].Title != "durable" {
		t.Errorf("Expected only the durable notification, got %d", len(queued))
	}
}

func TestQuietHours(t *testing.T) {
	svc := NewNotifierService()
	svc.now = func() time.Time {
		return time.Date(2026, 5, 1, 23, 30, 0, 0, time.UTC)
	}

	if err := svc.SetPreferences(&models.NotificationPreferences{
		UserID:          "alice",
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "07:00",
	}); err != nil {
		t.Fatalf("SetPreferences failed: %v", err)
	}

	normal, err := svc.Notify("alice", "fyi", "", models.NotificationNormal, nil, nil)
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if normal.Delivered {
		t.Error("Expected normal notification held during quiet hours")
	}

	urgent, err := svc.Notify("alice", "fire", "", models.NotificationUrgent, nil, nil)
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if !urgent.Delivered {
		t.Error("Expected urgent notification to bypass quiet hours")
	}

	// Held notifications stay queued, they are not dropped
	if got := svc.List("alice", false); len(got) != 2 {
		t.Errorf("Expected both notifications queued, got %d", len(got))
	}

	// Outside the window delivery resumes
	svc.now = func() time.Time {
		return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	}
	daytime, _ := svc.Notify("alice", "later", "", models.NotificationNormal, nil, nil)
	if !daytime.Delivered {
		t.Error("Expected delivery outside quiet hours")
	}
}

func TestQuietHours_Timezone(t *testing.T) {
	svc := NewNotifierService()
	// 03:00 UTC is 23:00 the previous day in New York (EDT)
	svc.now = func() time.Time {
		return time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC)
	}

	if err := svc.SetPreferences(&models.NotificationPreferences{
		UserID:          "alice",
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "07:00",
		Timezone:        "America/New_York",
	}); err != nil {
		t.Fatalf("SetPreferences failed: %v", err)
	}

	n, err := svc.Notify("alice", "fyi", "", models.NotificationNormal, nil, nil)
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if n.Delivered {
		t.Error("Expected quiet hours evaluated in the user's timezone")
	}
}

func TestChannelPreferences(t *testing.T) {
	svc := NewNotifierService()

	if err := svc.SetPreferences(&models.NotificationPreferences{
		UserID:   "alice",
		Channels: []string{"email"},
	}); err != nil {
		t.Fatalf("SetPreferences failed: %v", err)
	}

	held, err := svc.Notify("alice", "fyi", "", models.NotificationNormal, nil, nil)
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if held.Delivered {
		t.Error("Expected notification held when in-app channel is disabled")
	}
	// Held notifications stay queued for later retrieval
	if got := svc.List("alice", false); len(got) != 1 {
		t.Errorf("Expected held notification queued, got %d", len(got))
	}

	// Urgent priority does not override a disabled channel
	urgent, _ := svc.Notify("alice", "fire", "", models.NotificationUrgent, nil, nil)
	if urgent.Delivered {
		t.Error("Expected urgent notification held when in-app channel is disabled")
	}

	if err := svc.SetPreferences(&models.NotificationPreferences{
		UserID:   "alice",
		Channels: []string{"email", ChannelInApp},
	}); err != nil {
		t.Fatalf("SetPreferences failed: %v", err)
	}
	delivered, _ := svc.Notify("alice", "back", "", models.NotificationNormal, nil, nil)
	if !delivered.Delivered {
		t.Error("Expected delivery once the in-app channel is listed")
	}

	// No preferences, or an empty channel list, enables every channel
	everyChannel, _ := svc.Notify("bob", "hello", "", models.NotificationNormal, nil, nil)
	if !everyChannel.Delivered {
		t.Error("Expected delivery for a user without preferences")
	}
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	svc := NewNotifierService()

	first, _ := svc.Notify("alice", "one", "", models.NotificationNormal, nil, nil)
	svc.Notify("alice", "two", "", models.NotificationNormal, nil, nil)

	if got := svc.UnreadCount("alice"); got != 2 {
		t.Errorf("Expected 2 unread, got %d", got)
	}

	if !svc.MarkRead("alice", first.ID) {
		t.Fatal("Expected MarkRead to succeed")
	}
	if svc.MarkRead("bob", first.ID) {
		t.Error("Expected MarkRead to refuse another user's notification")
	}

	if got := svc.UnreadCount("alice"); got != 1 {
		t.Errorf("Expected 1 unread after MarkRead, got %d", got)
	}
	if got := svc.List("alice", true); len(got) != 1 || got[0].Title != "two" {
		t.Errorf("Expected unreadOnly to omit read notifications")
	}
}

func TestDismiss(t *testing.T) {
	svc := NewNotifierService()

	n, _ := svc.Notify("alice", "one", "", models.NotificationNormal, nil, nil)
	if !svc.Dismiss("alice", n.ID) {
		t.Fatal("Expected Dismiss to succeed")
	}
	if svc.Dismiss("alice", n.ID) {
		t.Error("Expected second Dismiss to report not found")
	}
	if got := svc.List("alice", false); len(got) != 0 {
		t.Errorf("Expected empty queue after dismiss, got %d", len(got))
	}
}

func TestSetPreferences_Validation(t *testing.T) {
	svc := NewNotifierService()

	tests := []struct {
		name  string
		prefs *models.NotificationPreferences
	}{
		{"missing user", &models.NotificationPreferences{}},
		{"malformed clock", &models.NotificationPreferences{UserID: "u", QuietHoursStart: "25:00", QuietHoursEnd: "07:00"}},
		{"half window", &models.NotificationPreferences{UserID: "u", QuietHoursStart: "22:00"}},
		{"bad timezone", &models.NotificationPreferences{UserID: "u", Timezone: "Mars/Olympus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.SetPreferences(tt.prefs); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func TestGetPreferences(t *testing.T) {
	svc := NewNotifierService()

	if got := svc.GetPreferences("alice"); got != nil {
		t.Error("Expected nil preferences before SetPreferences")
	}

	prefs := &models.NotificationPreferences{UserID: "alice", Channels: []string{"push"}}
	if err := svc.SetPreferences(prefs); err != nil {
		t.Fatalf("SetPreferences failed: %v", err)
	}

	got := svc.GetPreferences("alice")
	if got == nil || len(got.Channels) != 1 || got.Channels[0] != "push" {
		t.Errorf("Expected stored preferences back, got %+v", got)
	}
}
