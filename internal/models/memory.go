package models

import (
	"fmt"
	"time"
)

// MemoryPriority is the priority tier assigned to a memory at creation.
// Each tier maps to a numeric weight that seeds the memory's relevance score.
type MemoryPriority string

const (
	MemoryPriorityLow      MemoryPriority = "low"
	MemoryPriorityMedium   MemoryPriority = "medium"
	MemoryPriorityHigh     MemoryPriority = "high"
	MemoryPriorityCritical MemoryPriority = "critical"
)

// priorityWeights maps each priority tier to its initial score.
var priorityWeights = map[MemoryPriority]float64{
	MemoryPriorityLow:      2.0,
	MemoryPriorityMedium:   5.0,
	MemoryPriorityHigh:     8.0,
	MemoryPriorityCritical: 10.0,
}

// Weight returns the numeric weight for the priority tier.
// Unknown tiers fall back to medium.
func (p MemoryPriority) Weight() float64 {
	if w, ok := priorityWeights[p]; ok {
		return w
	}
	return priorityWeights[MemoryPriorityMedium]
}

// Valid reports whether the priority is a known tier.
func (p MemoryPriority) Valid() bool {
	_, ok := priorityWeights[p]
	return ok
}

// RetentionPolicy governs how long a memory persists.
type RetentionPolicy string

const (
	RetentionPermanent RetentionPolicy = "permanent"
	RetentionTTL       RetentionPolicy = "ttl"
	RetentionSession   RetentionPolicy = "session"
	RetentionDecay     RetentionPolicy = "decay"
)

// Valid reports whether the retention policy is known.
func (r RetentionPolicy) Valid() bool {
	switch r {
	case RetentionPermanent, RetentionTTL, RetentionSession, RetentionDecay:
		return true
	}
	return false
}

// MemoryDecayFloor is the score below which a decay-retention memory is deleted.
const MemoryDecayFloor = 0.1

// Memory represents a single stored fact or preference owned by one user
// (and optionally scoped to a session). Value and metadata are persisted
// only in encrypted form; the plaintext fields are populated on the copies
// returned to callers and never written to storage.
type Memory struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`

	Type string `json:"type"`
	Key  string `json:"key"` // unique per (userId, key, sessionId)

	// Encrypted at rest (crypto.Envelope JSON)
	EncryptedValue    string `json:"-"`
	EncryptedMetadata string `json:"-"`

	// Plaintext views, populated only after decryption
	Value    string                 `json:"value,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Optional fixed-length embedding vector for similarity search
	Embedding []float64 `json:"embedding,omitempty"`

	Priority  MemoryPriority  `json:"priority"`
	Retention RetentionPolicy `json:"retention"`
	TTL       time.Duration   `json:"ttl,omitempty"`        // for retention=ttl
	DecayRate float64         `json:"decay_rate,omitempty"` // score fraction lost per idle day

	// Scoring and access bookkeeping
	Score          float64    `json:"score"` // never negative
	AccessCount    int64      `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Expired reports whether the memory has passed its expiry instant.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// StoreMemoryRequest is the input to MemoryService.Store.
type StoreMemoryRequest struct {
	UserID    string                 `json:"userId"`
	SessionID string                 `json:"sessionId,omitempty"`
	Type      string                 `json:"type"`
	Key       string                 `json:"key"`
	Value     string                 `json:"value"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Embedding []float64              `json:"embedding,omitempty"`
	Priority  MemoryPriority         `json:"priority,omitempty"`
	Retention RetentionPolicy        `json:"retention,omitempty"`
	TTL       time.Duration          `json:"ttl,omitempty"`
	DecayRate float64                `json:"decayRate,omitempty"`
}

// Validate checks structural validity of the request before persistence.
func (r *StoreMemoryRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if r.Key == "" {
		return fmt.Errorf("memory key is required")
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("unknown priority: %s", r.Priority)
	}
	if r.Retention != "" && !r.Retention.Valid() {
		return fmt.Errorf("unknown retention policy: %s", r.Retention)
	}
	if r.Retention == RetentionTTL && r.TTL <= 0 {
		return fmt.Errorf("retention=ttl requires a positive ttl")
	}
	if r.Retention == RetentionDecay && (r.DecayRate <= 0 || r.DecayRate > 1) {
		return fmt.Errorf("retention=decay requires decayRate in (0, 1]")
	}
	return nil
}

// UpdateMemoryRequest is the input to MemoryService.Update. Nil fields are
// left unchanged; changing value/metadata re-encrypts, changing retention
// recomputes expiry.
type UpdateMemoryRequest struct {
	Value     *string                `json:"value,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Embedding []float64              `json:"embedding,omitempty"`
	Priority  *MemoryPriority        `json:"priority,omitempty"`
	Retention *RetentionPolicy       `json:"retention,omitempty"`
	TTL       *time.Duration         `json:"ttl,omitempty"`
	DecayRate *float64               `json:"decayRate,omitempty"`
}

// SearchOptions tunes MemoryService.Search.
type SearchOptions struct {
	Type          string   `json:"type,omitempty"`  // filter by type tag
	Limit         int      `json:"limit,omitempty"` // 0 = config default
	MinSimilarity float64  `json:"minSimilarity,omitempty"`
	MinRelevance  *float64 `json:"minRelevance,omitempty"`
}

// SearchResult is one ranked hit from MemoryService.Search.
type SearchResult struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
	Relevance  float64 `json:"relevance"`
}

// MemoryStats summarizes a user's stored memories.
type MemoryStats struct {
	Total    int64   `json:"total"`
	AvgScore float64 `json:"avg_score"`
}
