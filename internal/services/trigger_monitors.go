package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"vigil/internal/cronexpr"
	"vigil/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body when the
// trigger declares a secret.
const SignatureHeader = "X-Vigil-Signature"

// Start launches the trigger monitors: the filesystem watcher, the price
// poller and the schedule poller. Webhook and condition triggers are driven
// by the host through HandleWebhook and EvaluateCondition and need no loop.
func (s *TriggerService) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return fmt.Errorf("trigger service already started")
	}

	// Pick up file watches persisted before this process started.
	fileTriggers, err := s.store.ListByType(ctx, models.TriggerTypeFileChange, true)
	if err != nil {
		return fmt.Errorf("failed to load file triggers: %w", err)
	}
	for _, t := range fileTriggers {
		s.addWatchPaths(watchedPaths(t))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	s.monMu.Lock()
	s.watcher = watcher
	for path := range s.watchRefs {
		if err := watcher.Add(path); err != nil {
			log.Printf("⚠️ [TRIGGER] Cannot watch %s: %v", path, err)
		}
	}
	s.monMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(3)
	go s.watchLoop(runCtx, watcher)
	go s.pricePollLoop(runCtx)
	go s.schedulePollLoop(runCtx)

	log.Println("🚀 [TRIGGER] Trigger engine started")
	return nil
}

// Stop shuts down all monitors and waits for them to drain.
func (s *TriggerService) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}

	s.cancel()

	s.monMu.Lock()
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	for key, timer := range s.debounce {
		timer.Stop()
		delete(s.debounce, key)
	}
	s.monMu.Unlock()

	s.wg.Wait()
	s.running = false
	log.Println("🛑 [TRIGGER] Trigger engine stopped")
}

// --- file change monitor ---

func (s *TriggerService) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleFileEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️ [TRIGGER] File watcher error: %v", err)
		}
	}
}

func (s *TriggerService) handleFileEvent(ctx context.Context, event fsnotify.Event) {
	op := normalizeFileOp(event.Op)
	if op == "" {
		return
	}

	triggers, err := s.store.ListByType(ctx, models.TriggerTypeFileChange, true)
	if err != nil {
		log.Printf("❌ [TRIGGER] Failed to list file triggers: %v", err)
		return
	}

	for _, t := range triggers {
		if !fileEventMatches(t.Config.FileChange, event.Name) {
			continue
		}
		s.debounceFire(ctx, t.ID, event.Name, op)
	}
}

// debounceFire coalesces rapid successive events on the same (trigger, path)
// pair into one firing after the debounce window goes quiet.
func (s *TriggerService) debounceFire(ctx context.Context, triggerID, path, op string) {
	key := triggerID + "|" + path

	s.monMu.Lock()
	defer s.monMu.Unlock()

	if timer, ok := s.debounce[key]; ok {
		timer.Stop()
	}
	s.debounce[key] = time.AfterFunc(s.cfg.FileDebounce, func() {
		s.monMu.Lock()
		delete(s.debounce, key)
		s.monMu.Unlock()

		s.fire(ctx, triggerID, map[string]interface{}{
			"path":      path,
			"operation": op,
		})
	})
}

// cancelDebounce stops every pending debounce timer belonging to one trigger.
func (s *TriggerService) cancelDebounce(triggerID string) {
	s.monMu.Lock()
	defer s.monMu.Unlock()

	prefix := triggerID + "|"
	for key, timer := range s.debounce {
		if strings.HasPrefix(key, prefix) {
			timer.Stop()
			delete(s.debounce, key)
		}
	}
}

func (s *TriggerService) addWatchPaths(paths []string) {
	s.monMu.Lock()
	defer s.monMu.Unlock()

	for _, path := range paths {
		s.watchRefs[path]++
		if s.watchRefs[path] == 1 && s.watcher != nil {
			if err := s.watcher.Add(path); err != nil {
				log.Printf("⚠️ [TRIGGER] Cannot watch %s: %v", path, err)
			}
		}
	}
}

func (s *TriggerService) removeWatchPaths(paths []string) {
	s.monMu.Lock()
	defer s.monMu.Unlock()

	for _, path := range paths {
		if s.watchRefs[path] == 0 {
			continue
		}
		s.watchRefs[path]--
		if s.watchRefs[path] == 0 {
			delete(s.watchRefs, path)
			if s.watcher != nil {
				s.watcher.Remove(path)
			}
		}
	}
}

func normalizeFileOp(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "removed"
	case op.Has(fsnotify.Rename):
		return "renamed"
	}
	return ""
}

// fileEventMatches checks the event path against the trigger's watched paths
// and its include/ignore globs. Globs match the file's base name; ignore
// wins over include.
func fileEventMatches(cfg *models.FileChangeConfig, path string) bool {
	if cfg == nil {
		return false
	}

	inScope := false
	for _, watched := range cfg.Paths {
		if path == watched || strings.HasPrefix(path, strings.TrimSuffix(watched, "/")+string(filepath.Separator)) {
			inScope = true
			break
		}
	}
	if !inScope {
		return false
	}

	base := filepath.Base(path)
	for _, pattern := range cfg.Ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return false
		}
	}
	if len(cfg.Include) == 0 {
		return true
	}
	for _, pattern := range cfg.Include {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// --- price monitor ---

func (s *TriggerService) pricePollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PricePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollPrices(ctx)
		}
	}
}

func (s *TriggerService) pollPrices(ctx context.Context) {
	if s.priceLookup == nil {
		return
	}

	triggers, err := s.store.ListByType(ctx, models.TriggerTypePriceThreshold, true)
	if err != nil {
		log.Printf("❌ [TRIGGER] Failed to list price triggers: %v", err)
		return
	}

	for _, t := range triggers {
		cfg := t.Config.PriceThreshold
		price, err := s.priceLookup(ctx, cfg.Symbol)
		if err != nil {
			log.Printf("⚠️ [TRIGGER] Price lookup failed for %s: %v", cfg.Symbol, err)
			continue
		}
		s.observePrice(ctx, t, price)
	}
}

// observePrice compares one polled price against the trigger's threshold.
// above/below are plain comparisons on the current price, with cooldown as
// the repeat-suppression mechanism. crosses needs the previous observation
// on the other side of the threshold, so its first observation only records
// a baseline.
func (s *TriggerService) observePrice(ctx context.Context, t *models.EventTrigger, price float64) {
	cfg := t.Config.PriceThreshold

	var prev float64
	havePrev := false
	if cached, ok := s.lastPrices.Get(t.ID); ok {
		prev = cached.(float64)
		havePrev = true
	}
	s.lastPrices.Set(t.ID, price, 0)

	fired := false
	switch cfg.Operator {
	case models.PriceAbove:
		fired = price > cfg.Threshold
	case models.PriceBelow:
		fired = price < cfg.Threshold
	case models.PriceCrosses:
		fired = havePrev &&
			((prev < cfg.Threshold && price > cfg.Threshold) ||
				(prev > cfg.Threshold && price < cfg.Threshold))
	}
	if !fired {
		return
	}

	s.fire(ctx, t.ID, map[string]interface{}{
		"symbol":    cfg.Symbol,
		"price":     price,
		"previous":  prev,
		"threshold": cfg.Threshold,
		"operator":  string(cfg.Operator),
	})
}

// --- schedule monitor ---

func (s *TriggerService) schedulePollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SchedulePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollSchedules(ctx, time.Now())
		}
	}
}

func (s *TriggerService) pollSchedules(ctx context.Context, now time.Time) {
	triggers, err := s.store.ListByType(ctx, models.TriggerTypeTimeBased, true)
	if err != nil {
		log.Printf("❌ [TRIGGER] Failed to list schedule triggers: %v", err)
		return
	}

	for _, t := range triggers {
		occurrence, due := s.dueOccurrence(t, now)
		if !due {
			continue
		}

		s.monMu.Lock()
		already := s.fired[t.ID].Equal(occurrence)
		if !already {
			s.fired[t.ID] = occurrence
		}
		s.monMu.Unlock()
		if already {
			continue
		}

		s.fire(ctx, t.ID, map[string]interface{}{
			"expression":   t.Config.Schedule.Expression,
			"scheduled_at": occurrence,
		})
	}
}

// dueOccurrence reports the cron occurrence that fell inside the tolerance
// window ending at now, if any.
func (s *TriggerService) dueOccurrence(t *models.EventTrigger, now time.Time) (time.Time, bool) {
	cfg := t.Config.Schedule
	sched, err := cronexpr.Parse(cfg.Expression)
	if err != nil {
		return time.Time{}, false
	}
	occurrence, err := sched.NextRunTime(now.Add(-s.cfg.ScheduleTolerance), cfg.Timezone)
	if err != nil || occurrence.After(now) {
		return time.Time{}, false
	}
	return occurrence, true
}

// --- webhook monitor ---

// HandleWebhook matches an inbound webhook call against enabled webhook
// triggers and fires every match. Secret-protected triggers require a valid
// body signature; a mismatch silently skips the trigger rather than erroring,
// since one inbound call can fan out to several triggers. Returns the IDs of
// the triggers that matched.
func (s *TriggerService) HandleWebhook(ctx context.Context, path, method string, headers map[string]string, body []byte) ([]string, error) {
	triggers, err := s.store.ListByType(ctx, models.TriggerTypeWebhook, true)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, t := range triggers {
		cfg := t.Config.Webhook
		if !strings.EqualFold(strings.Trim(cfg.Path, "/"), strings.Trim(path, "/")) {
			continue
		}
		if cfg.Method != "" && !strings.EqualFold(cfg.Method, method) {
			continue
		}
		if cfg.Secret != "" && !verifySignature(cfg.Secret, body, headerValue(headers, SignatureHeader)) {
			log.Printf("⚠️ [TRIGGER] Webhook signature mismatch for trigger %s", t.ID)
			continue
		}
		if !s.limiterFor(t.ID).Allow() {
			log.Printf("⚠️ [TRIGGER] Webhook rate limit exceeded for trigger %s", t.ID)
			continue
		}

		matched = append(matched, t.ID)
		s.fire(ctx, t.ID, map[string]interface{}{
			"path":   path,
			"method": strings.ToUpper(method),
			"body":   string(body),
		})
	}
	return matched, nil
}

func (s *TriggerService) limiterFor(triggerID string) *rate.Limiter {
	s.monMu.Lock()
	defer s.monMu.Unlock()

	limiter, ok := s.limiters[triggerID]
	if !ok {
		burst := int(s.cfg.WebhookRateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.WebhookRateLimit), burst)
		s.limiters[triggerID] = limiter
	}
	return limiter
}

func verifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// --- condition monitor ---

// EvaluateCondition evaluates the user's enabled condition triggers against
// caller-supplied data and fires every trigger whose conditions hold.
// Returns the IDs of the triggers that fired.
func (s *TriggerService) EvaluateCondition(ctx context.Context, userID string, data map[string]interface{}) ([]string, error) {
	triggers, err := s.store.ListByType(ctx, models.TriggerTypeCondition, true)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, t := range triggers {
		if t.UserID != userID {
			continue
		}
		if !conditionsHold(t.Config.Condition, data) {
			continue
		}
		matched = append(matched, t.ID)
		s.fire(ctx, t.ID, data)
	}
	return matched, nil
}

func conditionsHold(cfg *models.ConditionConfig, data map[string]interface{}) bool {
	if cfg == nil || len(cfg.Conditions) == 0 {
		return false
	}

	anyMatch := cfg.Logic == models.ConditionOr
	for _, cond := range cfg.Conditions {
		ok := evaluateCondition(cond, data)
		if anyMatch && ok {
			return true
		}
		if !anyMatch && !ok {
			return false
		}
	}
	return !anyMatch
}

func evaluateCondition(cond models.FieldCondition, data map[string]interface{}) bool {
	value, ok := lookupField(data, cond.Field)
	if !ok {
		return false
	}

	switch cond.Operator {
	case models.CondEquals:
		return valuesEqual(value, cond.Value)
	case models.CondNotEquals:
		return !valuesEqual(value, cond.Value)
	case models.CondGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case models.CondLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	case models.CondContains:
		haystack, hok := value.(string)
		needle, nok := cond.Value.(string)
		return hok && nok && strings.Contains(haystack, needle)
	case models.CondRegex:
		subject, sok := value.(string)
		pattern, pok := cond.Value.(string)
		if !sok || !pok {
			return false
		}
		matched, err := regexp.MatchString(pattern, subject)
		return err == nil && matched
	}
	return false
}

// lookupField resolves a dotted path through nested maps.
func lookupField(data map[string]interface{}, field string) (interface{}, bool) {
	parts := strings.Split(field, ".")
	var current interface{} = data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func valuesEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
