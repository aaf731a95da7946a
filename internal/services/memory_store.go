package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"vigil/internal/database"
	"vigil/internal/models"
)

// MemoryStore persists memory records. Implementations only ever see
// encrypted value/metadata columns; plaintext never reaches the store.
type MemoryStore interface {
	Insert(ctx context.Context, m *models.Memory) error
	Get(ctx context.Context, id string) (*models.Memory, error)
	GetByKey(ctx context.Context, userID, key, sessionID string) (*models.Memory, error)
	ListByUser(ctx context.Context, userID, memType string) ([]*models.Memory, error)
	ListByRetention(ctx context.Context, retention models.RetentionPolicy) ([]*models.Memory, error)
	Update(ctx context.Context, m *models.Memory) error
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) (bool, error)
	// DeleteByUser removes all of a user's memories; a non-empty sessionID
	// restricts deletion to that session's records.
	DeleteByUser(ctx context.Context, userID, sessionID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context, userID string) (*models.MemoryStats, error)
}

// NewMemoryStore selects a store implementation by backend name.
func NewMemoryStore(backend string, db *database.DB) (MemoryStore, error) {
	switch backend {
	case "sqlite":
		if db == nil {
			return nil, fmt.Errorf("sqlite backend requires a database")
		}
		return &sqlMemoryStore{db: db}, nil
	case "memory":
		return newInmemMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

// --- sqlite implementation ---

type sqlMemoryStore struct {
	db *database.DB
}

const memoryColumns = `id, user_id, session_id, type, key, encrypted_value, encrypted_metadata,
	embedding, priority, retention, ttl_ms, decay_rate, score, access_count,
	last_accessed_at, expires_at, created_at, updated_at`

func (s *sqlMemoryStore) Insert(ctx context.Context, m *models.Memory) error {
	embedding, err := marshalEmbedding(m.Embedding)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.SessionID, m.Type, m.Key, m.EncryptedValue, m.EncryptedMetadata,
		embedding, string(m.Priority), string(m.Retention), m.TTL.Milliseconds(), m.DecayRate,
		m.Score, m.AccessCount, nullTime(m.LastAccessedAt), nullTime(m.ExpiresAt),
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

func (s *sqlMemoryStore) Get(ctx context.Context, id string) (*models.Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

func (s *sqlMemoryStore) GetByKey(ctx context.Context, userID, key, sessionID string) (*models.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? AND key = ? AND session_id = ?`,
		userID, key, sessionID)
	return scanMemory(row)
}

func (s *sqlMemoryStore) ListByUser(ctx context.Context, userID, memType string) ([]*models.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE user_id = ?`
	args := []interface{}{userID}
	if memType != "" {
		query += ` AND type = ?`
		args = append(args, memType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *sqlMemoryStore) ListByRetention(ctx context.Context, retention models.RetentionPolicy) ([]*models.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE retention = ?`, string(retention))
	if err != nil {
		return nil, fmt.Errorf("failed to list memories by retention: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *sqlMemoryStore) Update(ctx context.Context, m *models.Memory) error {
	embedding, err := marshalEmbedding(m.Embedding)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `UPDATE memories SET
		type = ?, encrypted_value = ?, encrypted_metadata = ?, embedding = ?,
		priority = ?, retention = ?, ttl_ms = ?, decay_rate = ?, score = ?,
		access_count = ?, last_accessed_at = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		m.Type, m.EncryptedValue, m.EncryptedMetadata, embedding,
		string(m.Priority), string(m.Retention), m.TTL.Milliseconds(), m.DecayRate, m.Score,
		m.AccessCount, nullTime(m.LastAccessedAt), nullTime(m.ExpiresAt), m.UpdatedAt,
		m.ID)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	return nil
}

func (s *sqlMemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		at, id)
	if err != nil {
		return fmt.Errorf("failed to update memory access: %w", err)
	}
	return nil
}

func (s *sqlMemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete memory: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *sqlMemoryStore) DeleteByUser(ctx context.Context, userID, sessionID string) (int64, error) {
	query := `DELETE FROM memories WHERE user_id = ?`
	args := []interface{}{userID}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete memories: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (s *sqlMemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired memories: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (s *sqlMemoryStore) Stats(ctx context.Context, userID string) (*models.MemoryStats, error) {
	var stats models.MemoryStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(score), 0) FROM memories WHERE user_id = ?`, userID).
		Scan(&stats.Total, &stats.AvgScore)
	if err != nil {
		return nil, fmt.Errorf("failed to compute memory stats: %w", err)
	}
	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*models.Memory, error) {
	var m models.Memory
	var embedding string
	var ttlMs int64
	var lastAccessed, expires sql.NullTime

	err := row.Scan(&m.ID, &m.UserID, &m.SessionID, &m.Type, &m.Key,
		&m.EncryptedValue, &m.EncryptedMetadata, &embedding,
		&m.Priority, &m.Retention, &ttlMs, &m.DecayRate, &m.Score, &m.AccessCount,
		&lastAccessed, &expires, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan memory: %w", err)
	}

	m.TTL = time.Duration(ttlMs) * time.Millisecond
	if lastAccessed.Valid {
		t := lastAccessed.Time
		m.LastAccessedAt = &t
	}
	if expires.Valid {
		t := expires.Time
		m.ExpiresAt = &t
	}
	if embedding != "" {
		if err := json.Unmarshal([]byte(embedding), &m.Embedding); err != nil {
			return nil, fmt.Errorf("failed to parse embedding: %w", err)
		}
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*models.Memory, error) {
	var memories []*models.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func marshalEmbedding(embedding []float64) (string, error) {
	if len(embedding) == 0 {
		return "", nil
	}
	data, err := json.Marshal(embedding)
	if err != nil {
		return "", fmt.Errorf("failed to serialize embedding: %w", err)
	}
	return string(data), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// --- in-memory implementation ---

type inmemMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.Memory
}

func newInmemMemoryStore() *inmemMemoryStore {
	return &inmemMemoryStore{records: make(map[string]*models.Memory)}
}

func (s *inmemMemoryStore) Insert(_ context.Context, m *models.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		if existing.UserID == m.UserID && existing.Key == m.Key && existing.SessionID == m.SessionID {
			return fmt.Errorf("memory key %q already exists for user", m.Key)
		}
	}

	clone := *m
	s.records[m.ID] = &clone
	return nil
}

func (s *inmemMemoryStore) Get(_ context.Context, id string) (*models.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	clone := *m
	return &clone, nil
}

func (s *inmemMemoryStore) GetByKey(_ context.Context, userID, key, sessionID string) (*models.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.records {
		if m.UserID == userID && m.Key == key && m.SessionID == sessionID {
			clone := *m
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *inmemMemoryStore) ListByUser(_ context.Context, userID, memType string) ([]*models.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Memory
	for _, m := range s.records {
		if m.UserID != userID {
			continue
		}
		if memType != "" && m.Type != memType {
			continue
		}
		clone := *m
		out = append(out, &clone)
	}
	return out, nil
}

func (s *inmemMemoryStore) ListByRetention(_ context.Context, retention models.RetentionPolicy) ([]*models.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Memory
	for _, m := range s.records {
		if m.Retention == retention {
			clone := *m
			out = append(out, &clone)
		}
	}
	// Stable order keeps chunked sweeps deterministic
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *inmemMemoryStore) Update(_ context.Context, m *models.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[m.ID]; !ok {
		return fmt.Errorf("memory not found: %s", m.ID)
	}
	clone := *m
	s.records[m.ID] = &clone
	return nil
}

func (s *inmemMemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[id]
	if !ok {
		return nil
	}
	m.AccessCount++
	t := at
	m.LastAccessedAt = &t
	return nil
}

func (s *inmemMemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	return true, nil
}

func (s *inmemMemoryStore) DeleteByUser(_ context.Context, userID, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.records {
		if m.UserID != userID {
			continue
		}
		if sessionID != "" && m.SessionID != sessionID {
			continue
		}
		delete(s.records, id)
		n++
	}
	return n, nil
}

func (s *inmemMemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.records {
		if m.ExpiresAt != nil && now.After(*m.ExpiresAt) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *inmemMemoryStore) Stats(_ context.Context, userID string) (*models.MemoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats models.MemoryStats
	var sum float64
	for _, m := range s.records {
		if m.UserID == userID {
			stats.Total++
			sum += m.Score
		}
	}
	if stats.Total > 0 {
		stats.AvgScore = sum / float64(stats.Total)
	}
	return &stats, nil
}
