// Package schedule stores report schedules and computes when they next run.
package schedule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gorhill/cronexpr"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrInvalidRule is wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("invalid schedule rule")

// RuleKind names a recurrence rule variant.
type RuleKind string

const (
	KindDaily   RuleKind = "DAILY"
	KindWeekly  RuleKind = "WEEKLY"
	KindMonthly RuleKind = "MONTHLY"
	KindCustom  RuleKind = "CUSTOM"
)

// Rule is a recurrence rule: one of Daily, Weekly, Monthly or Custom.
type Rule interface {
	Kind() RuleKind
	// Validate reports a configuration error wrapping ErrInvalidRule.
	Validate() error
	String() string
	rule()
}

// Daily fires every day at Hour:Minute.
type Daily struct {
	Hour   int
	Minute int
}

// Weekly fires on Weekday (1 is Monday, 7 is Sunday) at Hour:Minute.
type Weekly struct {
	Weekday int
	Hour    int
	Minute  int
}

// Monthly fires on Day at Hour:Minute. Days past the end of a month fire on
// its last day.
type Monthly struct {
	Day    int
	Hour   int
	Minute int
}

// Custom fires according to a cron expression.
type Custom struct {
	Expression string
}

func (Daily) Kind() RuleKind   { return KindDaily }
func (Weekly) Kind() RuleKind  { return KindWeekly }
func (Monthly) Kind() RuleKind { return KindMonthly }
func (Custom) Kind() RuleKind  { return KindCustom }

func (Daily) rule()   {}
func (Weekly) rule()  {}
func (Monthly) rule() {}
func (Custom) rule()  {}

func validateTime(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return errors.Wrapf(ErrInvalidRule, "hour %d is outside 0-23", hour)
	}
	if minute < 0 || minute > 59 {
		return errors.Wrapf(ErrInvalidRule, "minute %d is outside 0-59", minute)
	}
	return nil
}

func (r Daily) Validate() error {
	return validateTime(r.Hour, r.Minute)
}

func (r Weekly) Validate() error {
	if r.Weekday < 1 || r.Weekday > 7 {
		return errors.Wrapf(ErrInvalidRule, "weekday %d is outside 1-7", r.Weekday)
	}
	return validateTime(r.Hour, r.Minute)
}

func (r Monthly) Validate() error {
	if r.Day < 1 || r.Day > 31 {
		return errors.Wrapf(ErrInvalidRule, "day of month %d is outside 1-31", r.Day)
	}
	return validateTime(r.Hour, r.Minute)
}

func (r Custom) Validate() error {
	if strings.TrimSpace(r.Expression) == "" {
		return errors.Wrap(ErrInvalidRule, "empty cron expression")
	}
	if _, err := cronexpr.Parse(r.Expression); err != nil {
		return errors.Wrapf(ErrInvalidRule, "cron expression %q: %v", r.Expression, err)
	}
	return nil
}

func (r Daily) String() string {
	return fmt.Sprintf("daily %02d:%02d", r.Hour, r.Minute)
}

func (r Weekly) String() string {
	return fmt.Sprintf("weekly %d %02d:%02d", r.Weekday, r.Hour, r.Minute)
}

func (r Monthly) String() string {
	return fmt.Sprintf("monthly %d %02d:%02d", r.Day, r.Hour, r.Minute)
}

func (r Custom) String() string {
	return "cron " + r.Expression
}

// ParseRule reads the String form of a rule:
//
//	daily 08:30
//	weekly 1 08:30
//	monthly 31 09:00
//	cron 0 9 * * 1-5
//
// The parsed rule is validated.
func ParseRule(s string) (Rule, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return nil, errors.Wrapf(ErrInvalidRule, "cannot parse %q", s)
	}
	var (
		r   Rule
		err error
	)
	switch strings.ToLower(fields[0]) {
	case "daily":
		var d Daily
		if len(fields) != 2 {
			return nil, errors.Wrapf(ErrInvalidRule, "daily rule %q wants HH:MM", s)
		}
		d.Hour, d.Minute, err = parseClock(fields[1])
		r = d
	case "weekly":
		var w Weekly
		if len(fields) != 3 {
			return nil, errors.Wrapf(ErrInvalidRule, "weekly rule %q wants WEEKDAY HH:MM", s)
		}
		if w.Weekday, err = strconv.Atoi(fields[1]); err != nil {
			return nil, errors.Wrapf(ErrInvalidRule, "weekday %q", fields[1])
		}
		w.Hour, w.Minute, err = parseClock(fields[2])
		r = w
	case "monthly":
		var m Monthly
		if len(fields) != 3 {
			return nil, errors.Wrapf(ErrInvalidRule, "monthly rule %q wants DAY HH:MM", s)
		}
		if m.Day, err = strconv.Atoi(fields[1]); err != nil {
			return nil, errors.Wrapf(ErrInvalidRule, "day of month %q", fields[1])
		}
		m.Hour, m.Minute, err = parseClock(fields[2])
		r = m
	case "cron", "custom":
		r = Custom{Expression: strings.Join(fields[1:], " ")}
	default:
		return nil, errors.Wrapf(ErrInvalidRule, "unknown rule kind %q", fields[0])
	}
	if err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func parseClock(s string) (int, int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, errors.Wrapf(ErrInvalidRule, "time %q is not HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrInvalidRule, "hour %q", h)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrInvalidRule, "minute %q", m)
	}
	return hour, minute, nil
}

// ruleRecord is the persisted shape of a Rule.
type ruleRecord struct {
	Kind       RuleKind `msgpack:"k"`
	Hour       int      `msgpack:"h,omitempty"`
	Minute     int      `msgpack:"m,omitempty"`
	Weekday    int      `msgpack:"w,omitempty"`
	Day        int      `msgpack:"d,omitempty"`
	Expression string   `msgpack:"e,omitempty"`
}

func encodeRule(r Rule) ([]byte, error) {
	var rec ruleRecord
	switch v := r.(type) {
	case Daily:
		rec = ruleRecord{Kind: KindDaily, Hour: v.Hour, Minute: v.Minute}
	case Weekly:
		rec = ruleRecord{Kind: KindWeekly, Hour: v.Hour, Minute: v.Minute, Weekday: v.Weekday}
	case Monthly:
		rec = ruleRecord{Kind: KindMonthly, Hour: v.Hour, Minute: v.Minute, Day: v.Day}
	case Custom:
		rec = ruleRecord{Kind: KindCustom, Expression: v.Expression}
	default:
		return nil, errors.Newf("unknown rule type %T", r)
	}
	return msgpack.Marshal(rec)
}

func decodeRule(buf []byte) (Rule, error) {
	var rec ruleRecord
	if err := msgpack.Unmarshal(buf, &rec); err != nil {
		return nil, errors.Wrap(err, "decode rule")
	}
	switch rec.Kind {
	case KindDaily:
		return Daily{Hour: rec.Hour, Minute: rec.Minute}, nil
	case KindWeekly:
		return Weekly{Weekday: rec.Weekday, Hour: rec.Hour, Minute: rec.Minute}, nil
	case KindMonthly:
		return Monthly{Day: rec.Day, Hour: rec.Hour, Minute: rec.Minute}, nil
	case KindCustom:
		return Custom{Expression: rec.Expression}, nil
	}
	return nil, errors.Newf("unknown rule kind %q", rec.Kind)
}
