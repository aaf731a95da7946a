package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"vigil/internal/config"
	"vigil/internal/logging"
	"vigil/internal/models"
)

// ActionHandler executes one action when a trigger fires.
type ActionHandler func(ctx context.Context, trigger *models.EventTrigger, action models.TriggerAction, event *models.TriggerEvent) error

// EventSink receives engine lifecycle events (trigger_fired, trigger_cooldown,
// trigger_disabled and friends) for hosts that want to observe the engine.
type EventSink func(event string, payload map[string]interface{})

// PriceLookup fetches the current price for a symbol. The host injects it;
// the engine never talks to market data providers directly.
type PriceLookup func(ctx context.Context, symbol string) (float64, error)

// TriggerService owns the trigger lifecycle and the monitors that drive
// firings: a filesystem watcher, a price poller, a schedule poller, the
// webhook matcher and the condition evaluator.
type TriggerService struct {
	store TriggerStore
	cfg   *config.Config

	notifier    *NotifierService
	memory      *MemoryService
	priceLookup PriceLookup
	sink        EventSink

	handlersMu sync.RWMutex
	handlers   map[string]ActionHandler

	// One mutex per trigger serializes the check-cooldown-then-fire path.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	monMu     sync.Mutex
	watcher   *fsnotify.Watcher
	watchRefs map[string]int         // watched path -> referencing trigger count
	debounce  map[string]*time.Timer // (triggerID, path) -> pending firing
	limiters  map[string]*rate.Limiter
	fired     map[string]time.Time // time_based trigger -> last fired occurrence

	lastPrices *gocache.Cache

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watchCh chan struct{} // signals the watch loop to pick up new paths
}

// NewTriggerService creates a trigger service with the built-in notify and
// store action handlers registered. Collaborating services are attached with
// the Set methods before Start.
func NewTriggerService(store TriggerStore, cfg *config.Config) *TriggerService {
	s := &TriggerService{
		store:      store,
		cfg:        cfg,
		handlers:   make(map[string]ActionHandler),
		locks:      make(map[string]*sync.Mutex),
		watchRefs:  make(map[string]int),
		debounce:   make(map[string]*time.Timer),
		limiters:   make(map[string]*rate.Limiter),
		fired:      make(map[string]time.Time),
		lastPrices: gocache.New(24*time.Hour, time.Hour),
		watchCh:    make(chan struct{}, 1),
	}
	s.handlers["notify"] = s.notifyAction
	s.handlers["store"] = s.storeAction
	return s
}

// SetNotifier attaches the notifier used by the built-in notify action.
func (s *TriggerService) SetNotifier(n *NotifierService) { s.notifier = n }

// SetMemoryService attaches the memory service used by the built-in store action.
func (s *TriggerService) SetMemoryService(m *MemoryService) { s.memory = m }

// SetPriceLookup attaches the price source for price_threshold triggers.
func (s *TriggerService) SetPriceLookup(lookup PriceLookup) { s.priceLookup = lookup }

// SetEventSink attaches the host's engine event observer.
func (s *TriggerService) SetEventSink(sink EventSink) { s.sink = sink }

// RegisterActionHandler registers a host action handler. Registering the
// name of a built-in replaces it.
func (s *TriggerService) RegisterActionHandler(actionType string, handler ActionHandler) error {
	if actionType == "" || handler == nil {
		return fmt.Errorf("action type and handler are required")
	}
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[actionType] = handler
	return nil
}

// Create validates and persists a new trigger. New triggers start enabled.
func (s *TriggerService) Create(ctx context.Context, req *models.CreateTriggerRequest) (*models.EventTrigger, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	t := &models.EventTrigger{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Name:      req.Name,
		Type:      req.Type,
		Enabled:   true,
		Config:    req.Config,
		Actions:   req.Actions,
		Cooldown:  req.Cooldown,
		MaxFires:  req.MaxFires,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	if t.Type == models.TriggerTypeFileChange {
		s.addWatchPaths(t.Config.FileChange.Paths)
	}

	log.Printf("✅ [TRIGGER] Created %s trigger %s (%s)", t.Type, t.Name, t.ID)
	s.emit("trigger_created", map[string]interface{}{"trigger_id": t.ID, "type": string(t.Type)})
	return t, nil
}

// Get returns one trigger, enforcing ownership.
func (s *TriggerService) Get(ctx context.Context, userID, id string) (*models.EventTrigger, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil || t.UserID != userID {
		return nil, nil
	}
	return t, nil
}

// List returns all of a user's triggers.
func (s *TriggerService) List(ctx context.Context, userID string) ([]*models.EventTrigger, error) {
	return s.store.ListByUser(ctx, userID)
}

// Update applies a partial update. A config change is validated against the
// trigger's type (which itself is immutable).
func (s *TriggerService) Update(ctx context.Context, userID, id string, req *models.UpdateTriggerRequest) (*models.EventTrigger, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil || t.UserID != userID {
		return nil, fmt.Errorf("trigger not found: %s", id)
	}

	wasEnabled := t.Enabled
	oldPaths := watchedPaths(t)

	if req.Name != nil {
		if *req.Name == "" {
			return nil, fmt.Errorf("trigger name cannot be empty")
		}
		t.Name = *req.Name
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
		if !t.Enabled {
			s.cancelDebounce(t.ID)
		}
	}
	if req.Config != nil {
		if err := req.Config.Validate(t.Type); err != nil {
			return nil, err
		}
		t.Config = *req.Config
	}
	if req.Actions != nil {
		t.Actions = req.Actions
	}
	if req.Cooldown != nil {
		if *req.Cooldown < 0 {
			return nil, fmt.Errorf("cooldown cannot be negative")
		}
		t.Cooldown = *req.Cooldown
	}
	if req.MaxFires != nil {
		if *req.MaxFires < 0 {
			return nil, fmt.Errorf("maxFires cannot be negative")
		}
		t.MaxFires = *req.MaxFires
	}
	t.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}

	// Watch refs track enabled triggers only; a disabled trigger holds no
	// fsnotify subscription.
	if wasEnabled {
		s.removeWatchPaths(oldPaths)
	}
	if t.Enabled {
		s.addWatchPaths(watchedPaths(t))
	}

	s.emit("trigger_updated", map[string]interface{}{"trigger_id": t.ID})
	return t, nil
}

// SetEnabled flips the enabled flag, enforcing ownership.
func (s *TriggerService) SetEnabled(ctx context.Context, userID, id string, enabled bool) (*models.EventTrigger, error) {
	return s.Update(ctx, userID, id, &models.UpdateTriggerRequest{Enabled: &enabled})
}

// Delete removes a trigger and, via the store, its firing history.
func (s *TriggerService) Delete(ctx context.Context, userID, id string) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t == nil || t.UserID != userID {
		return false, nil
	}

	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		if t.Enabled {
			s.removeWatchPaths(watchedPaths(t))
		}
		s.cancelDebounce(id)
		s.monMu.Lock()
		delete(s.limiters, id)
		delete(s.fired, id)
		s.monMu.Unlock()
		s.emit("trigger_deleted", map[string]interface{}{"trigger_id": id})
	}
	return deleted, nil
}

// History returns the most recent firings of a trigger, newest first.
func (s *TriggerService) History(ctx context.Context, userID, id string, limit int) ([]*models.TriggerEvent, error) {
	t, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("trigger not found: %s", id)
	}
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	return s.store.ListEvents(ctx, id, limit)
}

// fire runs the full firing pipeline for one trigger match: cooldown and
// fire-limit checks, action dispatch, history append and counter update.
// The per-trigger lock makes the cooldown check and the counter update
// atomic with respect to concurrent matches of the same trigger.
func (s *TriggerService) fire(ctx context.Context, triggerID string, data map[string]interface{}) {
	lock := s.lockFor(triggerID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.store.Get(ctx, triggerID)
	if err != nil {
		log.Printf("❌ [TRIGGER] Failed to load trigger %s: %v", triggerID, err)
		return
	}
	if t == nil || !t.Enabled {
		return
	}

	now := time.Now()
	if t.Cooldown > 0 && t.LastFiredAt != nil && now.Sub(*t.LastFiredAt) < t.Cooldown {
		metricTriggerCooldownSkips.WithLabelValues(string(t.Type)).Inc()
		s.emit("trigger_cooldown", map[string]interface{}{"trigger_id": t.ID})
		return
	}

	fireCount := t.FireCount + 1
	enabled := t.MaxFires == 0 || fireCount < t.MaxFires
	if err := s.store.UpdateFiring(ctx, t.ID, now, fireCount, enabled); err != nil {
		log.Printf("❌ [TRIGGER] Failed to record firing of %s: %v", t.ID, err)
		return
	}

	event := &models.TriggerEvent{
		ID:        uuid.New().String(),
		TriggerID: t.ID,
		Type:      t.Type,
		Data:      data,
		FiredAt:   now,
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		log.Printf("❌ [TRIGGER] Failed to append event for %s: %v", t.ID, err)
	}

	// One failed action is reported but never aborts its siblings.
	for _, action := range t.Actions {
		if err := s.dispatch(ctx, t, action, event); err != nil {
			metricTriggerActionFailures.WithLabelValues(action.Type).Inc()
			log.Printf("❌ [TRIGGER] Action %s failed for trigger %s: %v", action.Type, t.ID, err)
			s.emit("trigger_action_failed", map[string]interface{}{
				"trigger_id": t.ID,
				"action":     action.Type,
				"error":      err.Error(),
			})
		}
	}

	metricTriggerFires.WithLabelValues(string(t.Type)).Inc()
	logging.WithTrigger(t.ID, string(t.Type), t.UserID).Info("trigger fired",
		"name", t.Name, "fire_count", fireCount)
	s.emit("trigger_fired", map[string]interface{}{
		"trigger_id": t.ID,
		"type":       string(t.Type),
		"fire_count": fireCount,
		"data":       data,
	})

	if !enabled {
		log.Printf("🛑 [TRIGGER] Trigger %s reached its fire limit and was disabled", t.ID)
		s.emit("trigger_disabled", map[string]interface{}{"trigger_id": t.ID, "reason": "max_fires"})
	}
}

func (s *TriggerService) dispatch(ctx context.Context, t *models.EventTrigger, action models.TriggerAction, event *models.TriggerEvent) error {
	s.handlersMu.RLock()
	handler, ok := s.handlers[action.Type]
	s.handlersMu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for action type %q", action.Type)
	}
	return handler(ctx, t, action, event)
}

// notifyAction is the built-in "notify" handler. Params: title, message,
// priority. Missing params fall back to the trigger's name.
func (s *TriggerService) notifyAction(_ context.Context, t *models.EventTrigger, action models.TriggerAction, event *models.TriggerEvent) error {
	if s.notifier == nil {
		return fmt.Errorf("notifier is not attached")
	}

	title := paramString(action.Params, "title")
	if title == "" {
		title = fmt.Sprintf("Trigger fired: %s", t.Name)
	}
	message := paramString(action.Params, "message")
	priority := models.NotificationPriority(paramString(action.Params, "priority"))

	payload := map[string]interface{}{
		"trigger_id": t.ID,
		"event_id":   event.ID,
		"data":       event.Data,
	}
	_, err := s.notifier.Notify(t.UserID, title, message, priority, payload, nil)
	return err
}

// storeAction is the built-in "store" handler. It records the firing as a
// memory owned by the trigger's user. Params: key, type, priority, retention.
func (s *TriggerService) storeAction(ctx context.Context, t *models.EventTrigger, action models.TriggerAction, event *models.TriggerEvent) error {
	if s.memory == nil {
		return fmt.Errorf("memory service is not attached")
	}

	key := paramString(action.Params, "key")
	if key == "" {
		key = fmt.Sprintf("trigger-event:%s", event.ID)
	}
	memType := paramString(action.Params, "type")
	if memType == "" {
		memType = "trigger_event"
	}

	value, err := json.Marshal(map[string]interface{}{
		"trigger_id":   t.ID,
		"trigger_name": t.Name,
		"fired_at":     event.FiredAt,
		"data":         event.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	req := &models.StoreMemoryRequest{
		UserID:    t.UserID,
		Type:      memType,
		Key:       key,
		Value:     string(value),
		Priority:  models.MemoryPriority(paramString(action.Params, "priority")),
		Retention: models.RetentionPolicy(paramString(action.Params, "retention")),
	}
	_, err = s.memory.Store(ctx, req)
	return err
}

func (s *TriggerService) lockFor(triggerID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[triggerID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[triggerID] = lock
	}
	return lock
}

func (s *TriggerService) emit(event string, payload map[string]interface{}) {
	if s.sink != nil {
		s.sink(event, payload)
	}
}

func watchedPaths(t *models.EventTrigger) []string {
	if t.Type != models.TriggerTypeFileChange || t.Config.FileChange == nil {
		return nil
	}
	return t.Config.FileChange.Paths
}

func paramString(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	v, _ := params[key].(string)
	return v
}
