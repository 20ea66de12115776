package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// Schedule is stored as JSON next to a scheduled goal.
type Schedule struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

// Parse accepts either the JSON form or a plain cron expression and
// validates the result.
func Parse(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		return s, s.Validate()
	}

	s = Schedule{Kind: KindCron, CronExpr: raw}
	if err := s.Validate(); err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule: not valid JSON or cron expression: %s", raw)
	}
	return s, nil
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// String returns the canonical JSON form.
func (s Schedule) String() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// Next returns the first run strictly after ref. A once schedule whose time
// has passed has no next run.
func (s Schedule) Next(ref time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, ref, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		if s.IntervalMs <= 0 {
			return time.Time{}, false
		}
		return ref.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case KindOnce:
		at := time.UnixMilli(s.AtMs)
		if at.After(ref) {
			return at, true
		}
	}
	return time.Time{}, false
}

// Describe renders a short human-readable form for chat and CLI output.
func (s Schedule) Describe() string {
	switch s.Kind {
	case KindCron:
		return "cron " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			if h := int(d.Hours()); h > 1 {
				return fmt.Sprintf("every %d hours", h)
			}
			return "every hour"
		case d >= time.Minute && d%time.Minute == 0:
			if m := int(d.Minutes()); m > 1 {
				return fmt.Sprintf("every %d minutes", m)
			}
			return "every minute"
		default:
			return "every " + d.String()
		}
	case KindOnce:
		return "once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 MST")
	}
	return s.Kind
}

// NextRun parses raw and computes its next run after ref. It returns nil
// when the schedule is invalid or exhausted.
func NextRun(raw string, ref time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	next, ok := s.Next(ref)
	if !ok {
		return nil
	}
	return &next
}
