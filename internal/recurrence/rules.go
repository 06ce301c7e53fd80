package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ---- cron ----

type cronRule struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

// Cron builds a rule from a crontab expression (optional seconds field,
// @descriptors accepted). Instants are computed in loc.
func Cron(expr string, loc *time.Location) (Rule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: cron expression required", ErrInvalidSpec)
	}
	if loc == nil {
		loc = time.Local
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSpec, expr, err)
	}
	return cronRule{expr: expr, sched: sched, loc: loc}, nil
}

func (r cronRule) After(t time.Time, inclusive bool) (time.Time, bool) {
	t = t.In(r.loc)
	// robfig's Next is strictly-after at second resolution.
	if inclusive {
		t = t.Add(-time.Nanosecond)
	}
	next := r.sched.Next(t)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (r cronRule) Spec() Spec {
	return Spec{Kind: KindCron, Expr: r.expr, Location: locationName(r.loc)}
}

func (r cronRule) String() string { return "cron " + r.expr }

// ---- fixed interval ----

type everyRule struct {
	anchor time.Time
	period time.Duration
}

// Every fires at anchor, anchor+period, anchor+2*period, ...
// period must be positive.
func Every(anchor time.Time, period time.Duration) Rule {
	if period <= 0 {
		return Never()
	}
	return everyRule{anchor: anchor, period: period}
}

func (r everyRule) After(t time.Time, inclusive bool) (time.Time, bool) {
	if !t.After(r.anchor) {
		if t.Equal(r.anchor) && !inclusive {
			return r.anchor.Add(r.period), true
		}
		return r.anchor, true
	}
	n := t.Sub(r.anchor) / r.period
	cand := r.anchor.Add(n * r.period)
	if cand.Before(t) || (!inclusive && cand.Equal(t)) {
		cand = cand.Add(r.period)
	}
	return cand, true
}

func (r everyRule) Spec() Spec {
	return Spec{Kind: KindEvery, Every: r.period, Anchor: r.anchor, Location: locationName(r.anchor.Location())}
}

func (r everyRule) String() string {
	return "every " + HumanDuration(r.period) + " from " + r.anchor.Format(time.RFC3339)
}

// ---- single instant ----

type onceRule struct{ at time.Time }

func Once(at time.Time) Rule { return onceRule{at: at} }

func (r onceRule) After(t time.Time, inclusive bool) (time.Time, bool) {
	if r.at.After(t) || (inclusive && r.at.Equal(t)) {
		return r.at, true
	}
	return time.Time{}, false
}

func (r onceRule) Spec() Spec {
	return Spec{Kind: KindOnce, Anchor: r.at, Location: locationName(r.at.Location())}
}

func (r onceRule) String() string { return "once at " + r.at.Format(time.RFC3339) }

// ---- never ----

type neverRule struct{}

// Never is a legal rule that yields no instants.
func Never() Rule { return neverRule{} }

func (neverRule) After(time.Time, bool) (time.Time, bool) { return time.Time{}, false }
func (neverRule) Spec() Spec                              { return Spec{Kind: KindNever} }
func (neverRule) String() string                          { return "never" }

// ---- decorators ----

type untilRule struct {
	Rule
	until time.Time
}

// Until bounds r: instants after until are dropped.
func Until(r Rule, until time.Time) Rule {
	if until.IsZero() {
		return r
	}
	return untilRule{Rule: r, until: until}
}

func (r untilRule) After(t time.Time, inclusive bool) (time.Time, bool) {
	next, ok := r.Rule.After(t, inclusive)
	if !ok || next.After(r.until) {
		return time.Time{}, false
	}
	return next, true
}

func (r untilRule) Spec() Spec {
	s := r.Rule.Spec()
	s.Until = r.until
	return s
}

func (r untilRule) String() string {
	return r.Rule.String() + " until " + r.until.Format(time.DateOnly)
}

type labeledRule struct {
	Rule
	text string
}

// Labeled keeps the phrase a rule was parsed from.
func Labeled(r Rule, text string) Rule {
	text = strings.TrimSpace(text)
	if text == "" {
		return r
	}
	if l, ok := r.(labeledRule); ok {
		r = l.Rule
	}
	return labeledRule{Rule: r, text: text}
}

func (r labeledRule) Spec() Spec {
	s := r.Rule.Spec()
	s.Text = r.text
	return s
}

func (r labeledRule) String() string { return r.text }

// HumanDuration renders d using the largest whole unit ("1 week", "90 minutes").
func HumanDuration(d time.Duration) string {
	units := []struct {
		name string
		d    time.Duration
	}{
		{"week", 7 * 24 * time.Hour},
		{"day", 24 * time.Hour},
		{"hour", time.Hour},
		{"minute", time.Minute},
		{"second", time.Second},
	}
	for _, u := range units {
		if d >= u.d && d%u.d == 0 {
			n := int64(d / u.d)
			if n == 1 {
				return "1 " + u.name
			}
			return fmt.Sprintf("%d %ss", n, u.name)
		}
	}
	return d.String()
}
