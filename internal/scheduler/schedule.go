// Package scheduler interprets the trigger configuration of workflow
// definitions. It parses cron expressions, computes upcoming fire times and
// routes named events to the definitions listening for them. Firing runs on a
// timer is left to the caller.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/opflow/pkg/schema"
)

// CronKey is the trigger_config key holding a scheduled definition's cron expression.
const CronKey = "cron"

// EventKey is the trigger_config key naming the event an event-triggered definition listens for.
const EventKey = "event"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses a standard 5-field cron expression (descriptors such as
// "@hourly" are accepted too).
func Parse(expr string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// CalculateNextRun computes the next fire time strictly after from.
func CalculateNextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// CronExpression returns the cron expression configured on a scheduled
// definition, or false when the definition is not scheduled or has none.
func CronExpression(def *schema.WorkflowDefinition) (string, bool) {
	if def == nil || def.Trigger != schema.TriggerScheduled {
		return "", false
	}
	return stringConfig(def.TriggerConfig, CronKey)
}

// EventName returns the event an event-triggered definition listens for.
func EventName(def *schema.WorkflowDefinition) (string, bool) {
	if def == nil || def.Trigger != schema.TriggerEvent {
		return "", false
	}
	return stringConfig(def.TriggerConfig, EventKey)
}

// NextRun returns the next fire time of a scheduled, active definition.
// It returns nil for every other definition and for unparseable expressions.
func NextRun(def *schema.WorkflowDefinition, from time.Time) *time.Time {
	if def == nil || def.Inactive {
		return nil
	}
	expr, ok := CronExpression(def)
	if !ok {
		return nil
	}
	next, err := CalculateNextRun(expr, from)
	if err != nil {
		return nil
	}
	return &next
}

func stringConfig(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}
