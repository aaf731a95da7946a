package models

import (
	"fmt"
	"regexp"
	"time"
)

// TriggerType discriminates the five supported trigger kinds.
type TriggerType string

const (
	TriggerTypeFileChange     TriggerType = "file_change"
	TriggerTypePriceThreshold TriggerType = "price_threshold"
	TriggerTypeTimeBased      TriggerType = "time_based"
	TriggerTypeWebhook        TriggerType = "webhook"
	TriggerTypeCondition      TriggerType = "condition"
)

// Valid reports whether the trigger type is known.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerTypeFileChange, TriggerTypePriceThreshold, TriggerTypeTimeBased,
		TriggerTypeWebhook, TriggerTypeCondition:
		return true
	}
	return false
}

// PriceOperator selects how an observed price is compared to the threshold.
type PriceOperator string

const (
	PriceAbove   PriceOperator = "above"
	PriceBelow   PriceOperator = "below"
	PriceCrosses PriceOperator = "crosses" // fires on movement across the threshold, either direction
)

// ConditionLogic combines field comparisons.
type ConditionLogic string

const (
	ConditionAnd ConditionLogic = "and"
	ConditionOr  ConditionLogic = "or"
)

// ConditionOperator is one field comparator.
type ConditionOperator string

const (
	CondEquals      ConditionOperator = "equals"
	CondNotEquals   ConditionOperator = "not_equals"
	CondGreaterThan ConditionOperator = "greater_than"
	CondLessThan    ConditionOperator = "less_than"
	CondContains    ConditionOperator = "contains"
	CondRegex       ConditionOperator = "regex"
)

// FileChangeConfig watches filesystem paths recursively.
type FileChangeConfig struct {
	Paths   []string `json:"paths"`
	Include []string `json:"include,omitempty"` // glob patterns; empty = all
	Ignore  []string `json:"ignore,omitempty"`  // glob patterns
}

// PriceThresholdConfig compares polled prices against a threshold.
type PriceThresholdConfig struct {
	Symbol    string        `json:"symbol"`
	Threshold float64       `json:"threshold"`
	Operator  PriceOperator `json:"operator"`
}

// ScheduleConfig fires on a cron expression in a timezone.
type ScheduleConfig struct {
	Expression string `json:"expression"`
	Timezone   string `json:"timezone,omitempty"` // defaults to UTC
}

// WebhookConfig matches inbound webhook calls.
type WebhookConfig struct {
	Path   string `json:"path"`
	Method string `json:"method,omitempty"` // empty = any method
	Secret string `json:"secret,omitempty"` // optional HMAC-SHA256 secret
}

// FieldCondition is one comparison inside a ConditionConfig.
type FieldCondition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    interface{}       `json:"value"`
}

// ConditionConfig evaluates field comparisons against caller-supplied data.
type ConditionConfig struct {
	Logic      ConditionLogic   `json:"logic,omitempty"` // defaults to and
	Conditions []FieldCondition `json:"conditions"`
}

// TriggerConfig is the type-specific configuration payload, discriminated
// by Type. Exactly the payload matching Type must be set.
type TriggerConfig struct {
	Type           TriggerType           `json:"type"`
	FileChange     *FileChangeConfig     `json:"fileChange,omitempty"`
	PriceThreshold *PriceThresholdConfig `json:"priceThreshold,omitempty"`
	Schedule       *ScheduleConfig       `json:"schedule,omitempty"`
	Webhook        *WebhookConfig        `json:"webhook,omitempty"`
	Condition      *ConditionConfig      `json:"condition,omitempty"`
}

// Validate checks the config against the trigger's declared type. The
// embedded type tag must match, and the matching payload must be present
// and structurally valid.
func (c *TriggerConfig) Validate(declared TriggerType) error {
	if !declared.Valid() {
		return fmt.Errorf("unknown trigger type: %s", declared)
	}
	if c.Type != declared {
		return fmt.Errorf("config type %q does not match trigger type %q", c.Type, declared)
	}

	switch declared {
	case TriggerTypeFileChange:
		if c.FileChange == nil {
			return fmt.Errorf("file_change trigger requires fileChange config")
		}
		if len(c.FileChange.Paths) == 0 {
			return fmt.Errorf("file_change trigger requires at least one path")
		}
	case TriggerTypePriceThreshold:
		if c.PriceThreshold == nil {
			return fmt.Errorf("price_threshold trigger requires priceThreshold config")
		}
		if c.PriceThreshold.Symbol == "" {
			return fmt.Errorf("price_threshold trigger requires a symbol")
		}
		switch c.PriceThreshold.Operator {
		case PriceAbove, PriceBelow, PriceCrosses:
		default:
			return fmt.Errorf("unknown price operator: %s", c.PriceThreshold.Operator)
		}
	case TriggerTypeTimeBased:
		if c.Schedule == nil {
			return fmt.Errorf("time_based trigger requires schedule config")
		}
		if c.Schedule.Expression == "" {
			return fmt.Errorf("time_based trigger requires a cron expression")
		}
		if c.Schedule.Timezone != "" {
			if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %s: %w", c.Schedule.Timezone, err)
			}
		}
	case TriggerTypeWebhook:
		if c.Webhook == nil {
			return fmt.Errorf("webhook trigger requires webhook config")
		}
		if c.Webhook.Path == "" {
			return fmt.Errorf("webhook trigger requires a path")
		}
	case TriggerTypeCondition:
		if c.Condition == nil {
			return fmt.Errorf("condition trigger requires condition config")
		}
		if len(c.Condition.Conditions) == 0 {
			return fmt.Errorf("condition trigger requires at least one condition")
		}
		switch c.Condition.Logic {
		case "", ConditionAnd, ConditionOr:
		default:
			return fmt.Errorf("unknown condition logic: %s", c.Condition.Logic)
		}
		for i, cond := range c.Condition.Conditions {
			switch cond.Operator {
			case CondEquals, CondNotEquals, CondGreaterThan, CondLessThan, CondContains, CondRegex:
			default:
				return fmt.Errorf("condition %d: unknown operator %s", i, cond.Operator)
			}
			if cond.Operator == CondRegex {
				pattern, ok := cond.Value.(string)
				if !ok {
					return fmt.Errorf("condition %d: regex value must be a string", i)
				}
				if _, err := regexp.Compile(pattern); err != nil {
					return fmt.Errorf("condition %d: invalid regex: %w", i, err)
				}
			}
		}
	}

	return nil
}

// TriggerAction names an action handler to run when the trigger fires.
type TriggerAction struct {
	Type   string                 `json:"type"` // "notify", "store", or host-registered
	Params map[string]interface{} `json:"params,omitempty"`
}

// EventTrigger is a named, owned automation rule.
type EventTrigger struct {
	ID      string      `json:"id"`
	UserID  string      `json:"user_id"`
	Name    string      `json:"name"`
	Type    TriggerType `json:"type"`
	Enabled bool        `json:"enabled"`

	Config  TriggerConfig   `json:"config"`
	Actions []TriggerAction `json:"actions"`

	Cooldown time.Duration `json:"cooldown,omitempty"` // 0 = none
	MaxFires int           `json:"max_fires,omitempty"` // 0 = unlimited

	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	FireCount   int        `json:"fire_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerEvent is an immutable record of one firing.
type TriggerEvent struct {
	ID        string                 `json:"id"`
	TriggerID string                 `json:"trigger_id"`
	Type      TriggerType            `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	FiredAt   time.Time              `json:"fired_at"`
}

// CreateTriggerRequest is the input to TriggerService.Create.
type CreateTriggerRequest struct {
	UserID   string          `json:"userId"`
	Name     string          `json:"name"`
	Type     TriggerType     `json:"type"`
	Config   TriggerConfig   `json:"config"`
	Actions  []TriggerAction `json:"actions,omitempty"`
	Cooldown time.Duration   `json:"cooldown,omitempty"`
	MaxFires int             `json:"maxFires,omitempty"`
}

// Validate checks the request before persistence.
func (r *CreateTriggerRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("trigger name is required")
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	if r.MaxFires < 0 {
		return fmt.Errorf("maxFires cannot be negative")
	}
	return r.Config.Validate(r.Type)
}

// UpdateTriggerRequest is the input to TriggerService.Update. Nil fields
// are left unchanged.
type UpdateTriggerRequest struct {
	Name     *string         `json:"name,omitempty"`
	Enabled  *bool           `json:"enabled,omitempty"`
	Config   *TriggerConfig  `json:"config,omitempty"`
	Actions  []TriggerAction `json:"actions,omitempty"`
	Cooldown *time.Duration  `json:"cooldown,omitempty"`
	MaxFires *int            `json:"maxFires,omitempty"`
}
