// Package cronexpr validates 5-field cron expressions and computes the next
// qualifying instant in a given timezone.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// searchHorizon bounds how far ahead NextRunTime will look. Expressions
// that never match (e.g. day 31 of February) fail fast instead of looping.
const searchHorizon = 5 * 366 * 24 * time.Hour

// ErrNoUpcoming is returned when no occurrence exists within the search horizon.
var ErrNoUpcoming = errors.New("no upcoming occurrence within search horizon")

// parser accepts the standard five fields: minute hour day-of-month month
// day-of-week, with range/step/list syntax.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a parsed cron expression.
type Schedule struct {
	Expression string
	spec       cron.Schedule
}

// Validate reports whether expr is a well-formed 5-field cron expression,
// returning a human-readable error when it is not.
func Validate(expr string) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("cron expression is empty")
	}
	if fields := strings.Fields(expr); len(fields) != 5 {
		return false, fmt.Errorf("cron expression must have 5 fields (minute hour day month weekday), got %d", len(fields))
	}
	if _, err := parser.Parse(expr); err != nil {
		return false, fmt.Errorf("invalid cron expression: %w", err)
	}
	return true, nil
}

// Parse normalizes expr into a matchable schedule.
func Parse(expr string) (*Schedule, error) {
	if _, err := Validate(expr); err != nil {
		return nil, err
	}
	spec, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return &Schedule{Expression: expr, spec: spec}, nil
}

// NextRunTime computes the first instant strictly after from at which the
// schedule matches, evaluated in the named timezone (empty = UTC). Returns
// ErrNoUpcoming when nothing matches within the search horizon.
func (s *Schedule) NextRunTime(from time.Time, timezone string) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %s: %w", timezone, err)
		}
	}

	next := s.spec.Next(from.In(loc))
	if next.IsZero() || next.Sub(from) > searchHorizon {
		return time.Time{}, ErrNoUpcoming
	}
	return next, nil
}

// NextRunTime is a convenience wrapper that parses and computes in one call.
func NextRunTime(expr string, from time.Time, timezone string) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.NextRunTime(from, timezone)
}
