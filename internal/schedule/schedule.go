package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule describes when a recurring maintenance job (such as the empty-pool
// reclamation sweep) fires. Plain cron strings and JSON forms are accepted.
type Schedule struct {
	Kind       string `json:"kind"`        // "cron" or "interval"
	CronExpr   string `json:"cron_expr"`   // cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms"` // interval in ms (if kind=interval)
}

// Parse accepts either a JSON schedule or a bare cron expression.
func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		switch s.Kind {
		case "cron":
			if !gronx.New().IsValid(s.CronExpr) {
				return nil, fmt.Errorf("invalid cron expression: %s", s.CronExpr)
			}
		case "interval":
			if s.IntervalMs <= 0 {
				return nil, fmt.Errorf("interval must be positive")
			}
		default:
			return nil, fmt.Errorf("unknown schedule kind: %s", s.Kind)
		}
		return &s, nil
	}

	if !gronx.New().IsValid(raw) {
		return nil, fmt.Errorf("invalid cron expression: %s", raw)
	}
	return &Schedule{Kind: "cron", CronExpr: raw}, nil
}

// Next returns the next fire time after now, or nil when the schedule cannot
// produce one.
func (s *Schedule) Next(now time.Time) *time.Time {
	switch s.Kind {
	case "cron":
		next, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
		return &next
	case "interval":
		next := now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
		return &next
	default:
		return nil
	}
}

// Describe returns a human-readable form for logs and the status endpoint.
func (s *Schedule) Describe() string {
	switch s.Kind {
	case "cron":
		return "cron " + s.CronExpr
	case "interval":
		d := time.Duration(s.IntervalMs) * time.Millisecond
		return fmt.Sprintf("every %s", d)
	default:
		return "unknown"
	}
}
