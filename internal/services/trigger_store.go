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

// TriggerStore persists event triggers and their firing history.
type TriggerStore interface {
	Insert(ctx context.Context, t *models.EventTrigger) error
	Get(ctx context.Context, id string) (*models.EventTrigger, error)
	List(ctx context.Context) ([]*models.EventTrigger, error)
	ListByUser(ctx context.Context, userID string) ([]*models.EventTrigger, error)
	ListByType(ctx context.Context, triggerType models.TriggerType, enabledOnly bool) ([]*models.EventTrigger, error)
	Update(ctx context.Context, t *models.EventTrigger) error
	// UpdateFiring records the outcome of a fire in one statement so the
	// counter, timestamp and enabled flag move together.
	UpdateFiring(ctx context.Context, id string, lastFired time.Time, fireCount int, enabled bool) error
	Delete(ctx context.Context, id string) (bool, error)
	AppendEvent(ctx context.Context, e *models.TriggerEvent) error
	ListEvents(ctx context.Context, triggerID string, limit int) ([]*models.TriggerEvent, error)
}

// NewTriggerStore selects a store implementation by backend name.
func NewTriggerStore(backend string, db *database.DB) (TriggerStore, error) {
	switch backend {
	case "sqlite":
		if db == nil {
			return nil, fmt.Errorf("sqlite backend requires a database")
		}
		return &sqlTriggerStore{db: db}, nil
	case "memory":
		return newInmemTriggerStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

// --- sqlite implementation ---

type sqlTriggerStore struct {
	db *database.DB
}

const triggerColumns = `id, user_id, name, type, enabled, config, actions,
	cooldown_ms, max_fires, last_fired_at, fire_count, created_at, updated_at`

func (s *sqlTriggerStore) Insert(ctx context.Context, t *models.EventTrigger) error {
	config, actions, err := marshalTriggerFields(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO triggers (`+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Name, string(t.Type), t.Enabled, config, actions,
		t.Cooldown.Milliseconds(), t.MaxFires, nullTime(t.LastFiredAt), t.FireCount,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trigger: %w", err)
	}
	return nil
}

func (s *sqlTriggerStore) Get(ctx context.Context, id string) (*models.EventTrigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id)
	return scanTrigger(row)
}

func (s *sqlTriggerStore) List(ctx context.Context) ([]*models.EventTrigger, error) {
	return s.query(ctx, `SELECT `+triggerColumns+` FROM triggers ORDER BY created_at`)
}

func (s *sqlTriggerStore) ListByUser(ctx context.Context, userID string) ([]*models.EventTrigger, error) {
	return s.query(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE user_id = ? ORDER BY created_at`, userID)
}

func (s *sqlTriggerStore) ListByType(ctx context.Context, triggerType models.TriggerType, enabledOnly bool) ([]*models.EventTrigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE type = ?`
	args := []interface{}{string(triggerType)}
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	return s.query(ctx, query+` ORDER BY created_at`, args...)
}

func (s *sqlTriggerStore) Update(ctx context.Context, t *models.EventTrigger) error {
	config, actions, err := marshalTriggerFields(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `UPDATE triggers SET
		name = ?, type = ?, enabled = ?, config = ?, actions = ?,
		cooldown_ms = ?, max_fires = ?, last_fired_at = ?, fire_count = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, string(t.Type), t.Enabled, config, actions,
		t.Cooldown.Milliseconds(), t.MaxFires, nullTime(t.LastFiredAt), t.FireCount, t.UpdatedAt,
		t.ID)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	return nil
}

func (s *sqlTriggerStore) UpdateFiring(ctx context.Context, id string, lastFired time.Time, fireCount int, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET last_fired_at = ?, fire_count = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		lastFired, fireCount, enabled, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to record trigger firing: %w", err)
	}
	return nil
}

func (s *sqlTriggerStore) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete trigger: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *sqlTriggerStore) AppendEvent(ctx context.Context, e *models.TriggerEvent) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to serialize event data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trigger_events (id, trigger_id, type, data, fired_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.TriggerID, string(e.Type), string(data), e.FiredAt)
	if err != nil {
		return fmt.Errorf("failed to append trigger event: %w", err)
	}
	return nil
}

func (s *sqlTriggerStore) ListEvents(ctx context.Context, triggerID string, limit int) ([]*models.TriggerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trigger_id, type, data, fired_at FROM trigger_events
		 WHERE trigger_id = ? ORDER BY fired_at DESC LIMIT ?`, triggerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trigger events: %w", err)
	}
	defer rows.Close()

	var events []*models.TriggerEvent
	for rows.Next() {
		var e models.TriggerEvent
		var data string
		if err := rows.Scan(&e.ID, &e.TriggerID, &e.Type, &data, &e.FiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan trigger event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to parse event data: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *sqlTriggerStore) query(ctx context.Context, query string, args ...interface{}) ([]*models.EventTrigger, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*models.EventTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func scanTrigger(row rowScanner) (*models.EventTrigger, error) {
	var t models.EventTrigger
	var config, actions string
	var cooldownMs int64
	var lastFired sql.NullTime

	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Type, &t.Enabled, &config, &actions,
		&cooldownMs, &t.MaxFires, &lastFired, &t.FireCount, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trigger: %w", err)
	}

	t.Cooldown = time.Duration(cooldownMs) * time.Millisecond
	if lastFired.Valid {
		at := lastFired.Time
		t.LastFiredAt = &at
	}
	if err := json.Unmarshal([]byte(config), &t.Config); err != nil {
		return nil, fmt.Errorf("failed to parse trigger config: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &t.Actions); err != nil {
		return nil, fmt.Errorf("failed to parse trigger actions: %w", err)
	}
	return &t, nil
}

func marshalTriggerFields(t *models.EventTrigger) (config, actions string, err error) {
	configData, err := json.Marshal(t.Config)
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize trigger config: %w", err)
	}
	if t.Actions == nil {
		t.Actions = []models.TriggerAction{}
	}
	actionsData, err := json.Marshal(t.Actions)
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize trigger actions: %w", err)
	}
	return string(configData), string(actionsData), nil
}

// --- in-memory implementation ---

type inmemTriggerStore struct {
	mu       sync.RWMutex
	triggers map[string]*models.EventTrigger
	events   map[string][]*models.TriggerEvent
}

func newInmemTriggerStore() *inmemTriggerStore {
	return &inmemTriggerStore{
		triggers: make(map[string]*models.EventTrigger),
		events:   make(map[string][]*models.TriggerEvent),
	}
}

func (s *inmemTriggerStore) Insert(_ context.Context, t *models.EventTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.triggers[t.ID]; ok {
		return fmt.Errorf("trigger already exists: %s", t.ID)
	}
	clone := cloneTrigger(t)
	s.triggers[t.ID] = clone
	return nil
}

func (s *inmemTriggerStore) Get(_ context.Context, id string) (*models.EventTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.triggers[id]
	if !ok {
		return nil, nil
	}
	return cloneTrigger(t), nil
}

func (s *inmemTriggerStore) List(_ context.Context) ([]*models.EventTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(*models.EventTrigger) bool { return true }), nil
}

func (s *inmemTriggerStore) ListByUser(_ context.Context, userID string) ([]*models.EventTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(t *models.EventTrigger) bool { return t.UserID == userID }), nil
}

func (s *inmemTriggerStore) ListByType(_ context.Context, triggerType models.TriggerType, enabledOnly bool) ([]*models.EventTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(t *models.EventTrigger) bool {
		if t.Type != triggerType {
			return false
		}
		return !enabledOnly || t.Enabled
	}), nil
}

func (s *inmemTriggerStore) Update(_ context.Context, t *models.EventTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.triggers[t.ID]; !ok {
		return fmt.Errorf("trigger not found: %s", t.ID)
	}
	s.triggers[t.ID] = cloneTrigger(t)
	return nil
}

func (s *inmemTriggerStore) UpdateFiring(_ context.Context, id string, lastFired time.Time, fireCount int, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return fmt.Errorf("trigger not found: %s", id)
	}
	at := lastFired
	t.LastFiredAt = &at
	t.FireCount = fireCount
	t.Enabled = enabled
	t.UpdatedAt = time.Now()
	return nil
}

func (s *inmemTriggerStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.triggers[id]; !ok {
		return false, nil
	}
	delete(s.triggers, id)
	delete(s.events, id)
	return true, nil
}

func (s *inmemTriggerStore) AppendEvent(_ context.Context, e *models.TriggerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *e
	s.events[e.TriggerID] = append(s.events[e.TriggerID], &clone)
	return nil
}

func (s *inmemTriggerStore) ListEvents(_ context.Context, triggerID string, limit int) ([]*models.TriggerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.events[triggerID]
	out := make([]*models.TriggerEvent, 0, len(history))
	for _, e := range history {
		clone := *e
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *inmemTriggerStore) collect(match func(*models.EventTrigger) bool) []*models.EventTrigger {
	var out []*models.EventTrigger
	for _, t := range s.triggers {
		if match(t) {
			out = append(out, cloneTrigger(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneTrigger(t *models.EventTrigger) *models.EventTrigger {
	clone := *t
	if t.LastFiredAt != nil {
		at := *t.LastFiredAt
		clone.LastFiredAt = &at
	}
	clone.Actions = append([]models.TriggerAction(nil), t.Actions...)
	return &clone
}
