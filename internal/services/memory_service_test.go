package services

import (
	"context"
	"testing"
	"time"

	"vigil/internal/config"
	"vigil/internal/crypto"
	"vigil/internal/models"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestMemoryService(t *testing.T) (*MemoryService, *inmemMemoryStore) {
	t.Helper()

	encryption, err := crypto.NewEncryptionService(testMasterKey)
	if err != nil {
		t.Fatalf("Failed to create encryption service: %v", err)
	}

	cfg := &config.Config{
		SessionTTL:     time.Hour,
		SearchLimit:    10,
		MinSimilarity:  0.3,
		DecayBatchSize: 2,
	}
	store := newInmemMemoryStore()
	return NewMemoryService(store, encryption, cfg), store
}

func TestStoreAndRetrieve(t *testing.T) {
	svc, store := newTestMemoryService(t)
	ctx := context.Background()

	stored, err := svc.Store(ctx, &models.StoreMemoryRequest{
		UserID:   "alice",
		Type:     "preference",
		Key:      "favorite-editor",
		Value:    "helix",
		Metadata: map[string]interface{}{"source": "chat"},
		Priority: models.MemoryPriorityHigh,
	})
	if err != nil {
		t.Fatalf("Failed to store memory: %v", err)
	}
	if stored.Score != 8.0 {
		t.Errorf("Expected initial score 8.0 for high priority, got %v", stored.Score)
	}

	// The persisted record must never contain plaintext
	raw, err := store.Get(ctx, stored.ID)
	if err != nil {
		t.Fatalf("Failed to read raw record: %v", err)
	}
	if raw.Value != "" {
		t.Error("Expected plaintext value to be absent from the stored record")
	}
	if raw.EncryptedValue == "" || raw.EncryptedValue == "helix" {
		t.Error("Expected stored value to be encrypted")
	}

	got, err := svc.Retrieve(ctx, "alice", stored.ID)
	if err != nil {
		t.Fatalf("Failed to retrieve memory: %v", err)
	}
	if got == nil {
		t.Fatal("Expected memory, got nil")
	}
	if got.Value != "helix" {
		t.Errorf("Expected value helix, got %q", got.Value)
	}
	if got.Metadata["source"] != "chat" {
		t.Errorf("Expected metadata to round-trip, got %v", got.Metadata)
	}
	if got.AccessCount != 1 {
		t.Errorf("Expected access count 1 after one read, got %d", got.AccessCount)
	}
}

func TestRetrieve_WrongOwner(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	stored, err := svc.Store(ctx, &models.StoreMemoryRequest{UserID: "alice", Key: "k", Value: "v"})
	if err != nil {
		t.Fatalf("Failed to store memory: %v", err)
	}

	got, err := svc.Retrieve(ctx, "mallory", stored.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != nil {
		t.Error("Expected nil when retrieving another user's memory")
	}
}

func TestStore_DuplicateKey(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	req := &models.StoreMemoryRequest{UserID: "alice", Key: "k", Value: "v"}
	if _, err := svc.Store(ctx, req); err != nil {
		t.Fatalf("Failed to store memory: %v", err)
	}
	if _, err := svc.Store(ctx, req); err == nil {
		t.Error("Expected error for duplicate key, got nil")
	}

	// Same key in a different session is fine
	sessionReq := &models.StoreMemoryRequest{UserID: "alice", SessionID: "s1", Key: "k", Value: "v"}
	if _, err := svc.Store(ctx, sessionReq); err != nil {
		t.Errorf("Expected session-scoped key to be independent: %v", err)
	}
}

func TestStore_Validation(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *models.StoreMemoryRequest
	}{
		{"missing user", &models.StoreMemoryRequest{Key: "k", Value: "v"}},
		{"missing key", &models.StoreMemoryRequest{UserID: "u", Value: "v"}},
		{"bad priority", &models.StoreMemoryRequest{UserID: "u", Key: "k", Priority: "extreme"}},
		{"ttl without duration", &models.StoreMemoryRequest{UserID: "u", Key: "k", Retention: models.RetentionTTL}},
		{"decay rate out of range", &models.StoreMemoryRequest{UserID: "u", Key: "k", Retention: models.RetentionDecay, DecayRate: 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Store(ctx, tt.req); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func TestTTLExpiry(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	stored, err := svc.Store(ctx, &models.StoreMemoryRequest{
		UserID:    "alice",
		Key:       "short-lived",
		Value:     "v",
		Retention: models.RetentionTTL,
		TTL:       50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to store memory: %v", err)
	}

	got, err := svc.Retrieve(ctx, "alice", stored.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("Expected memory before expiry, got nil")
	}

	time.Sleep(100 * time.Millisecond)

	got, err = svc.Retrieve(ctx, "alice", stored.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != nil {
		t.Error("Expected nil after expiry")
	}

	n, err := svc.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected cleanup to remove 1 memory, got %d", n)
	}
}

func TestSearchRanking(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	memories := []struct {
		key       string
		embedding []float64
		priority  models.MemoryPriority
	}{
		{"exact", []float64{1, 0, 0}, models.MemoryPriorityLow},
		{"close", []float64{0.9, 0.1, 0}, models.MemoryPriorityLow},
		{"far", []float64{0, 1, 0}, models.MemoryPriorityLow},
		{"no-embedding", nil, models.MemoryPriorityCritical},
	}
	for _, m := range memories {
		if _, err := svc.Store(ctx, &models.StoreMemoryRequest{
			UserID:    "alice",
			Key:       m.key,
			Value:     m.key,
			Embedding: m.embedding,
			Priority:  m.priority,
		}); err != nil {
			t.Fatalf("Failed to store %s: %v", m.key, err)
		}
	}

	results, err := svc.Search(ctx, "alice", []float64{1, 0, 0}, models.SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	// "far" is orthogonal (similarity 0 < 0.3) and "no-embedding" is skipped
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Memory.Key != "exact" {
		t.Errorf("Expected exact match first, got %s", results[0].Memory.Key)
	}
	if results[0].Relevance <= results[1].Relevance {
		t.Error("Expected results ordered by descending relevance")
	}
	if results[0].Memory.Value != "exact" {
		t.Error("Expected search results to be decrypted")
	}
}

func TestSearch_Limit(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := svc.Store(ctx, &models.StoreMemoryRequest{
			UserID: "alice", Key: key, Value: key, Embedding: []float64{1, 0},
		}); err != nil {
			t.Fatalf("Failed to store %s: %v", key, err)
		}
	}

	results, err := svc.Search(ctx, "alice", []float64{1, 0}, models.SearchOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 results with limit 2, got %d", len(results))
	}
}

func TestUpdate(t *testing.T) {
	svc, store := newTestMemoryService(t)
	ctx := context.Background()

	stored, err := svc.Store(ctx, &models.StoreMemoryRequest{UserID: "alice", Key: "k", Value: "old"})
	if err != nil {
		t.Fatalf("Failed to store memory: %v", err)
	}
	oldEncrypted := mustRaw(t, store, stored.ID).EncryptedValue

	newValue := "new"
	retention := models.RetentionTTL
	ttl := time.Hour
	updated, err := svc.Update(ctx, "alice", stored.ID, &models.UpdateMemoryRequest{
		Value:     &newValue,
		Retention: &retention,
		TTL:       &ttl,
	})
	if err != nil {
		t.Fatalf("Failed to update memory: %v", err)
	}
	if updated.Value != "new" {
		t.Errorf("Expected updated value, got %q", updated.Value)
	}
	if updated.ExpiresAt == nil {
		t.Error("Expected expiry after switching to ttl retention")
	}
	if mustRaw(t, store, stored.ID).EncryptedValue == oldEncrypted {
		t.Error("Expected value change to re-encrypt the record")
	}

	if _, err := svc.Update(ctx, "mallory", stored.ID, &models.UpdateMemoryRequest{Value: &newValue}); err == nil {
		t.Error("Expected error when updating another user's memory")
	}
}

func TestForgetAndForgetAll(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	a, _ := svc.Store(ctx, &models.StoreMemoryRequest{UserID: "alice", Key: "a", Value: "1"})
	svc.Store(ctx, &models.StoreMemoryRequest{UserID: "alice", Key: "b", Value: "2", SessionID: "s1"})
	svc.Store(ctx, &models.StoreMemoryRequest{UserID: "alice", Key: "c", Value: "3", SessionID: "s1"})
	svc.Store(ctx, &models.StoreMemoryRequest{UserID: "bob", Key: "d", Value: "4"})

	deleted, err := svc.Forget(ctx, "mallory", a.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if deleted {
		t.Error("Expected Forget to refuse another user's memory")
	}

	deleted, err = svc.Forget(ctx, "alice", a.ID)
	if err != nil || !deleted {
		t.Fatalf("Expected Forget to delete, got deleted=%v err=%v", deleted, err)
	}

	n, err := svc.ForgetAll(ctx, "alice", "s1")
	if err != nil {
		t.Fatalf("ForgetAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 session memories removed, got %d", n)
	}

	stats, err := svc.GetStats(ctx, "bob")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("Expected bob's memory untouched, got total %d", stats.Total)
	}
}

func TestApplyDecay(t *testing.T) {
	svc, store := newTestMemoryService(t)
	ctx := context.Background()

	fresh, _ := svc.Store(ctx, &models.StoreMemoryRequest{
		UserID: "alice", Key: "fresh", Value: "v",
		Retention: models.RetentionDecay, DecayRate: 0.1, Priority: models.MemoryPriorityMedium,
	})
	stale, _ := svc.Store(ctx, &models.StoreMemoryRequest{
		UserID: "alice", Key: "stale", Value: "v",
		Retention: models.RetentionDecay, DecayRate: 0.5, Priority: models.MemoryPriorityMedium,
	})
	permanent, _ := svc.Store(ctx, &models.StoreMemoryRequest{UserID: "alice", Key: "keep", Value: "v"})

	backdate(t, store, fresh.ID, 2*24*time.Hour)
	backdate(t, store, stale.ID, 3*24*time.Hour)

	updated, deleted, err := svc.ApplyDecay(ctx)
	if err != nil {
		t.Fatalf("ApplyDecay failed: %v", err)
	}
	if updated != 1 {
		t.Errorf("Expected 1 updated memory, got %d", updated)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted memory, got %d", deleted)
	}

	// 5.0 * (1 - 0.1*2) = 4.0
	decayed := mustRaw(t, store, fresh.ID)
	if decayed.Score < 3.99 || decayed.Score > 4.01 {
		t.Errorf("Expected score near 4.0 after two idle days at rate 0.1, got %v", decayed.Score)
	}

	// rate 0.5 over 3 idle days drives the factor negative; the score
	// clamps at zero and the record goes below the floor
	if got, _ := store.Get(ctx, stale.ID); got != nil {
		t.Error("Expected stale memory deleted below the decay floor")
	}
	if got, _ := store.Get(ctx, permanent.ID); got == nil {
		t.Error("Expected permanent memory untouched by decay")
	}
}

func TestApplyDecay_NeverNegative(t *testing.T) {
	svc, store := newTestMemoryService(t)
	ctx := context.Background()

	m, _ := svc.Store(ctx, &models.StoreMemoryRequest{
		UserID: "alice", Key: "old", Value: "v",
		Retention: models.RetentionDecay, DecayRate: 1.0, Priority: models.MemoryPriorityCritical,
	})
	backdate(t, store, m.ID, 30*24*time.Hour)

	if _, _, err := svc.ApplyDecay(ctx); err != nil {
		t.Fatalf("ApplyDecay failed: %v", err)
	}
	if got, _ := store.Get(ctx, m.ID); got != nil {
		if got.Score < 0 {
			t.Errorf("Expected score clamped at zero, got %v", got.Score)
		}
		t.Error("Expected fully decayed memory deleted")
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func mustRaw(t *testing.T, store *inmemMemoryStore, id string) *models.Memory {
	t.Helper()
	m, err := store.Get(context.Background(), id)
	if err != nil || m == nil {
		t.Fatalf("Failed to read raw record %s: %v", id, err)
	}
	return m
}

func backdate(t *testing.T, store *inmemMemoryStore, id string, age time.Duration) {
	t.Helper()
	m := mustRaw(t, store, id)
	m.CreatedAt = m.CreatedAt.Add(-age)
	m.LastAccessedAt = nil
	if err := store.Update(context.Background(), m); err != nil {
		t.Fatalf("Failed to backdate record: %v", err)
	}
}
