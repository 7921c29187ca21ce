package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
)

// CronSpec matches a wall-clock minute in the scheduler timezone.
//
// DayOfWeek takes cron numbering (0 = Sunday) or a day name ("mon",
// "monday"). DayOfMonth is 1..31, 0 means any day. When both are set a day
// matching either fires, as in cron.
type CronSpec struct {
	Minute     int
	Hour       int
	DayOfWeek  string
	DayOfMonth int
}

// Trigger decides when a job is due. Build one with Every, Daily, Weekly,
// Monthly or from config through Compile.
type Trigger struct {
	Kind     TriggerKind
	Interval time.Duration
	Cron     CronSpec
	// Location overrides the scheduler timezone for cron matching.
	Location *time.Location

	sched cron.Schedule
}

func Every(d time.Duration) Trigger { return Trigger{Kind: TriggerInterval, Interval: d} }

func Daily(hour, minute int) Trigger {
	return Trigger{Kind: TriggerCron, Cron: CronSpec{Hour: hour, Minute: minute}}
}

func Weekly(dayOfWeek string, hour, minute int) Trigger {
	return Trigger{Kind: TriggerCron, Cron: CronSpec{Hour: hour, Minute: minute, DayOfWeek: dayOfWeek}}
}

func Monthly(dayOfMonth, hour, minute int) Trigger {
	return Trigger{Kind: TriggerCron, Cron: CronSpec{Hour: hour, Minute: minute, DayOfMonth: dayOfMonth}}
}

// Compile validates t and prepares cron matching.
func (t Trigger) Compile() (Trigger, error) {
	switch t.Kind {
	case TriggerInterval:
		if t.Interval < time.Second {
			return t, fmt.Errorf("interval must be >= 1s, got %s", t.Interval)
		}
		return t, nil
	case TriggerCron:
		expr, err := t.Cron.expr()
		if err != nil {
			return t, err
		}
		s, err := cron.ParseStandard(expr)
		if err != nil {
			return t, fmt.Errorf("cron %q: %w", expr, err)
		}
		t.sched = s
		return t, nil
	case "":
		return t, errors.New("trigger kind required")
	}
	return t, fmt.Errorf("unknown trigger kind %q", t.Kind)
}

// Next returns the first firing strictly after now. Cron triggers are
// evaluated in t.Location, or loc when unset.
func (t Trigger) Next(now time.Time, loc *time.Location) time.Time {
	if t.Kind == TriggerInterval {
		return now.Add(t.Interval)
	}
	if t.sched == nil {
		c, err := t.Compile()
		if err != nil {
			return time.Time{}
		}
		t = c
	}
	if t.Location != nil {
		loc = t.Location
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.sched.Next(now.In(loc))
}

// String renders the trigger for listings, e.g. "every 1h0m0s" or
// "cron 0 9 * * mon".
func (t Trigger) String() string {
	if t.Kind == TriggerInterval {
		return "every " + t.Interval.String()
	}
	expr, err := t.Cron.expr()
	if err != nil {
		return "cron <invalid>"
	}
	return "cron " + expr
}

func (c CronSpec) expr() (string, error) {
	if c.Minute < 0 || c.Minute > 59 {
		return "", fmt.Errorf("minute %d out of range 0-59", c.Minute)
	}
	if c.Hour < 0 || c.Hour > 23 {
		return "", fmt.Errorf("hour %d out of range 0-23", c.Hour)
	}
	dom := "*"
	if c.DayOfMonth != 0 {
		if c.DayOfMonth < 1 || c.DayOfMonth > 31 {
			return "", fmt.Errorf("day_of_month %d out of range 1-31", c.DayOfMonth)
		}
		dom = strconv.Itoa(c.DayOfMonth)
	}
	dow, err := normalizeDOW(c.DayOfWeek)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d %s * %s", c.Minute, c.Hour, dom, dow), nil
}

var dayNames = map[string]string{
	"sun": "sun", "sunday": "sun",
	"mon": "mon", "monday": "mon",
	"tue": "tue", "tuesday": "tue",
	"wed": "wed", "wednesday": "wed",
	"thu": "thu", "thursday": "thu",
	"fri": "fri", "friday": "fri",
	"sat": "sat", "saturday": "sat",
}

func normalizeDOW(v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" || v == "*" {
		return "*", nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 || n > 6 {
			return "", fmt.Errorf("day_of_week %d out of range 0-6", n)
		}
		return strconv.Itoa(n), nil
	}
	if d, ok := dayNames[v]; ok {
		return d, nil
	}
	return "", fmt.Errorf("unknown day_of_week %q", v)
}
