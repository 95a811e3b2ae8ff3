// Package cron computes next-fire times for scheduled agent tasks. Three
// schedule kinds are supported: cron expressions, fixed intervals in
// milliseconds, and one-shot absolute times.
package cron

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule kinds.
const (
	TypeCron     = "cron"
	TypeInterval = "interval"
	TypeOnce     = "once"
)

// Validate checks a schedule definition without computing anything.
func Validate(scheduleType, value string) error {
	switch scheduleType {
	case TypeCron:
		if !gronx.New().IsValid(value) {
			return fmt.Errorf("invalid cron expression %q", value)
		}
	case TypeInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("interval must be a positive millisecond count, got %q", value)
		}
	case TypeOnce:
		if _, err := parseOnce(value); err != nil {
			return fmt.Errorf("invalid one-shot time %q: %w", value, err)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// NextRun computes the next fire time strictly after "after". A zero time with
// a nil error means the schedule never fires again (a spent one-shot).
func NextRun(scheduleType, value string, after time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch scheduleType {
	case TypeCron:
		next, err := gronx.NextTickAfter(value, after.In(loc), false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %w", value, err)
		}
		return next, nil
	case TypeInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("interval must be a positive millisecond count, got %q", value)
		}
		return after.Add(time.Duration(ms) * time.Millisecond), nil
	case TypeOnce:
		at, err := parseOnce(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("one-shot %q: %w", value, err)
		}
		if !at.After(after) {
			return time.Time{}, nil
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// parseOnce accepts RFC 3339 or epoch milliseconds.
func parseOnce(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or epoch milliseconds")
	}
	return time.UnixMilli(ms).UTC(), nil
}
