package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"vigil/internal/config"
	"vigil/internal/crypto"
	"vigil/internal/models"
)

// Relevance blends vector similarity with the memory's decayed score and
// recency. Weights follow the ranking contract of the search API.
const (
	relevanceSimilarityWeight = 0.6
	relevanceScoreWeight      = 0.3
	relevanceRecencyWeight    = 0.1
)

// MemoryService stores and retrieves encrypted per-user memories.
// All reads decrypt on the way out and bump access bookkeeping; all writes
// encrypt before the record reaches the store.
type MemoryService struct {
	store      MemoryStore
	encryption *crypto.EncryptionService
	cfg        *config.Config
}

// NewMemoryService creates a memory service.
func NewMemoryService(store MemoryStore, encryption *crypto.EncryptionService, cfg *config.Config) *MemoryService {
	return &MemoryService{
		store:      store,
		encryption: encryption,
		cfg:        cfg,
	}
}

// Store encrypts and persists a new memory. The key must be unique within
// (userId, sessionId); storing a duplicate key is an error, use Update to
// change an existing memory.
func (s *MemoryService) Store(ctx context.Context, req *models.StoreMemoryRequest) (*models.Memory, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.store.GetByKey(ctx, req.UserID, req.Key, req.SessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("memory key %q already exists", req.Key)
	}

	priority := req.Priority
	if priority == "" {
		priority = models.MemoryPriorityMedium
	}
	retention := req.Retention
	if retention == "" {
		retention = models.RetentionPermanent
	}

	now := time.Now()
	m := &models.Memory{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Type:        req.Type,
		Key:         req.Key,
		Embedding:   req.Embedding,
		Priority:    priority,
		Retention:   retention,
		TTL:         req.TTL,
		DecayRate:   req.DecayRate,
		Score:       priority.Weight(),
		AccessCount: 0,
		ExpiresAt:   s.expiryFor(retention, req.TTL, now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.encryptInto(m, req.Value, req.Metadata); err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, m); err != nil {
		return nil, err
	}
	metricMemoryOps.WithLabelValues("store").Inc()
	log.Printf("✅ [MEMORY] Stored memory %s (key=%s, retention=%s)", m.ID, m.Key, m.Retention)

	m.Value = req.Value
	m.Metadata = req.Metadata
	return m, nil
}

// Retrieve fetches one memory by ID, enforcing ownership. Expired memories
// are treated as absent. A successful read bumps the access counter.
func (s *MemoryService) Retrieve(ctx context.Context, userID, id string) (*models.Memory, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil || m.UserID != userID || m.Expired(time.Now()) {
		return nil, nil
	}
	return s.open(ctx, m)
}

// RetrieveByKey fetches one memory by its (key, sessionId) within the user's
// namespace. Expired memories are treated as absent.
func (s *MemoryService) RetrieveByKey(ctx context.Context, userID, key, sessionID string) (*models.Memory, error) {
	m, err := s.store.GetByKey(ctx, userID, key, sessionID)
	if err != nil {
		return nil, err
	}
	if m == nil || m.Expired(time.Now()) {
		return nil, nil
	}
	return s.open(ctx, m)
}

// Search ranks the user's memories against a query embedding. Results are
// ordered by relevance, which blends cosine similarity, the memory's current
// score and its recency. Memories without an embedding, or with a different
// vector length, are skipped.
func (s *MemoryService) Search(ctx context.Context, userID string, query []float64, opts models.SearchOptions) ([]*models.SearchResult, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.SearchLimit
	}
	minSimilarity := opts.MinSimilarity
	if minSimilarity == 0 {
		minSimilarity = s.cfg.MinSimilarity
	}

	candidates, err := s.store.ListByUser(ctx, userID, opts.Type)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var results []*models.SearchResult
	for _, m := range candidates {
		if m.Expired(now) || len(m.Embedding) != len(query) {
			continue
		}
		similarity := cosineSimilarity(query, m.Embedding)
		if similarity < minSimilarity {
			continue
		}

		ageDays := now.Sub(m.CreatedAt).Hours() / 24
		relevance := relevanceSimilarityWeight*similarity +
			relevanceScoreWeight*(m.Score/10) +
			relevanceRecencyWeight*(1/(1+ageDays))
		if opts.MinRelevance != nil && relevance < *opts.MinRelevance {
			continue
		}

		results = append(results, &models.SearchResult{
			Memory:     m,
			Similarity: similarity,
			Relevance:  relevance,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Relevance > results[j].Relevance })
	if len(results) > limit {
		results = results[:limit]
	}

	for _, r := range results {
		opened, err := s.open(ctx, r.Memory)
		if err != nil {
			return nil, err
		}
		r.Memory = opened
	}
	metricMemoryOps.WithLabelValues("search").Inc()
	return results, nil
}

// Update applies a partial update, re-encrypting when the value or metadata
// change and recomputing expiry when retention settings change.
func (s *MemoryService) Update(ctx context.Context, userID, id string, req *models.UpdateMemoryRequest) (*models.Memory, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil || m.UserID != userID {
		return nil, fmt.Errorf("memory not found: %s", id)
	}

	opened, err := s.decrypt(m)
	if err != nil {
		return nil, err
	}
	value := opened.Value
	metadata := opened.Metadata

	reencrypt := false
	if req.Value != nil {
		value = *req.Value
		reencrypt = true
	}
	if req.Metadata != nil {
		metadata = req.Metadata
		reencrypt = true
	}
	if req.Embedding != nil {
		m.Embedding = req.Embedding
	}
	if req.Priority != nil {
		if !req.Priority.Valid() {
			return nil, fmt.Errorf("unknown priority: %s", *req.Priority)
		}
		m.Priority = *req.Priority
		m.Score = req.Priority.Weight()
	}

	retentionChanged := false
	if req.Retention != nil {
		if !req.Retention.Valid() {
			return nil, fmt.Errorf("unknown retention policy: %s", *req.Retention)
		}
		m.Retention = *req.Retention
		retentionChanged = true
	}
	if req.TTL != nil {
		m.TTL = *req.TTL
		retentionChanged = true
	}
	if req.DecayRate != nil {
		if *req.DecayRate <= 0 || *req.DecayRate > 1 {
			return nil, fmt.Errorf("decayRate must be in (0, 1]")
		}
		m.DecayRate = *req.DecayRate
	}
	if m.Retention == models.RetentionTTL && m.TTL <= 0 {
		return nil, fmt.Errorf("retention=ttl requires a positive ttl")
	}

	now := time.Now()
	if retentionChanged {
		m.ExpiresAt = s.expiryFor(m.Retention, m.TTL, now)
	}
	if reencrypt {
		if err := s.encryptInto(m, value, metadata); err != nil {
			return nil, err
		}
	}
	m.UpdatedAt = now

	if err := s.store.Update(ctx, m); err != nil {
		return nil, err
	}
	metricMemoryOps.WithLabelValues("update").Inc()

	m.Value = value
	m.Metadata = metadata
	return m, nil
}

// Forget deletes one memory, enforcing ownership. Returns false when the
// memory does not exist or belongs to another user.
func (s *MemoryService) Forget(ctx context.Context, userID, id string) (bool, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if m == nil || m.UserID != userID {
		return false, nil
	}
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		metricMemoryOps.WithLabelValues("forget").Inc()
	}
	return deleted, nil
}

// ForgetAll deletes all of a user's memories, or only one session's when
// sessionID is non-empty. Returns the number of memories removed.
func (s *MemoryService) ForgetAll(ctx context.Context, userID, sessionID string) (int64, error) {
	n, err := s.store.DeleteByUser(ctx, userID, sessionID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("🗑️ [MEMORY] Forgot %d memories for user %s", n, userID)
	}
	return n, nil
}

// Cleanup removes every memory whose expiry instant has passed.
func (s *MemoryService) Cleanup(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metricExpiredDeletions.Add(float64(n))
		log.Printf("🗑️ [MEMORY] Cleanup removed %d expired memories", n)
	}
	return n, nil
}

// ApplyDecay sweeps decay-retention memories, scaling each score by
// (1 - decayRate * idleDays), clamped at zero, and deleting records that
// fall below the floor. The sweep processes records in chunks so large
// stores never pin a full working set.
func (s *MemoryService) ApplyDecay(ctx context.Context) (updated, deleted int, err error) {
	memories, err := s.store.ListByRetention(ctx, models.RetentionDecay)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now()
	batch := s.cfg.DecayBatchSize
	if batch <= 0 {
		batch = len(memories)
	}

	for start := 0; start < len(memories); start += batch {
		end := start + batch
		if end > len(memories) {
			end = len(memories)
		}
		for _, m := range memories[start:end] {
			if err := ctx.Err(); err != nil {
				return updated, deleted, err
			}

			idleDays := s.idleDays(m, now)
			if idleDays <= 0 || m.DecayRate <= 0 {
				continue
			}

			factor := 1 - m.DecayRate*idleDays
			if factor < 0 {
				factor = 0
			}
			newScore := m.Score * factor
			if newScore < models.MemoryDecayFloor {
				if _, err := s.store.Delete(ctx, m.ID); err != nil {
					return updated, deleted, err
				}
				deleted++
				metricDecayDeletions.Inc()
				continue
			}
			if newScore == m.Score {
				continue
			}

			m.Score = newScore
			m.UpdatedAt = now
			if err := s.store.Update(ctx, m); err != nil {
				return updated, deleted, err
			}
			updated++
		}
	}

	if updated > 0 || deleted > 0 {
		log.Printf("📉 [MEMORY] Decay sweep: %d updated, %d deleted", updated, deleted)
	}
	return updated, deleted, nil
}

// GetStats summarizes a user's stored memories.
func (s *MemoryService) GetStats(ctx context.Context, userID string) (*models.MemoryStats, error) {
	return s.store.Stats(ctx, userID)
}

func (s *MemoryService) expiryFor(retention models.RetentionPolicy, ttl time.Duration, now time.Time) *time.Time {
	switch retention {
	case models.RetentionTTL:
		at := now.Add(ttl)
		return &at
	case models.RetentionSession:
		at := now.Add(s.cfg.SessionTTL)
		return &at
	}
	return nil
}

func (s *MemoryService) idleDays(m *models.Memory, now time.Time) float64 {
	last := m.CreatedAt
	if m.LastAccessedAt != nil && m.LastAccessedAt.After(last) {
		last = *m.LastAccessedAt
	}
	return now.Sub(last).Hours() / 24
}

// open decrypts a record and bumps its access bookkeeping.
func (s *MemoryService) open(ctx context.Context, m *models.Memory) (*models.Memory, error) {
	opened, err := s.decrypt(m)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := s.store.Touch(ctx, m.ID, now); err != nil {
		return nil, err
	}
	opened.AccessCount++
	opened.LastAccessedAt = &now
	metricMemoryOps.WithLabelValues("retrieve").Inc()
	return opened, nil
}

func (s *MemoryService) decrypt(m *models.Memory) (*models.Memory, error) {
	value, err := s.encryption.DecryptString(m.EncryptedValue)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt memory %s: %w", m.ID, err)
	}

	out := *m
	out.Value = value
	if m.EncryptedMetadata != "" {
		raw, err := s.encryption.DecryptString(m.EncryptedMetadata)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt memory %s metadata: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(raw), &out.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse memory %s metadata: %w", m.ID, err)
		}
	}
	return &out, nil
}

func (s *MemoryService) encryptInto(m *models.Memory, value string, metadata map[string]interface{}) error {
	encValue, err := s.encryption.EncryptString(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt memory value: %w", err)
	}
	m.EncryptedValue = encValue

	m.EncryptedMetadata = ""
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize memory metadata: %w", err)
		}
		encMeta, err := s.encryption.EncryptString(string(raw))
		if err != nil {
			return fmt.Errorf("failed to encrypt memory metadata: %w", err)
		}
		m.EncryptedMetadata = encMeta
	}
	return nil
}

// cosineSimilarity computes the cosine of the angle between two equal-length
// vectors. A zero vector on either side yields 0.
func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
