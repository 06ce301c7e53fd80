// Package recurrence describes when a recurring search fires.
//
// A Rule answers a single question: what is the first firing instant at or
// after (inclusive) / strictly after (exclusive) a given instant. Rules are
// monotonic and may be exhausted. Each rule serializes into a Spec so a
// scheduler can be reloaded from durable storage.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidSpec = errors.New("recurrence: invalid spec")
	ErrEmptyRule   = errors.New("recurrence: schedule required")
)

// Rule is the recurrence contract.
//
// After returns the first instant >= t (inclusive) or > t (exclusive).
// ok is false when the rule has no further instants.
// For t2 > t1, After(t2, false) >= After(t1, false).
type Rule interface {
	After(t time.Time, inclusive bool) (next time.Time, ok bool)
	Spec() Spec
	String() string
}

type Kind string

const (
	KindCron  Kind = "cron"
	KindEvery Kind = "every"
	KindOnce  Kind = "once"
	KindNever Kind = "never"
)

// Spec is the durable form of a Rule.
type Spec struct {
	Kind     Kind          `json:"kind"`
	Expr     string        `json:"expr,omitempty"`
	Every    time.Duration `json:"every,omitempty"`
	Anchor   time.Time     `json:"anchor,omitzero"`
	Until    time.Time     `json:"until,omitzero"`
	Location string        `json:"location,omitempty"`
	// Text is the phrase the user typed, kept for display.
	Text string `json:"text,omitempty"`
}

// Equal compares specs by instant rather than by time.Time representation.
func (s Spec) Equal(o Spec) bool {
	return s.Kind == o.Kind && s.Expr == o.Expr && s.Every == o.Every &&
		s.Anchor.Equal(o.Anchor) && s.Until.Equal(o.Until) &&
		s.Location == o.Location && s.Text == o.Text
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// FromSpec rebuilds a Rule from its durable form.
func FromSpec(s Spec) (Rule, error) {
	loc, err := loadLocation(s.Location)
	if err != nil {
		return nil, err
	}

	var r Rule
	switch s.Kind {
	case KindCron:
		r, err = Cron(s.Expr, loc)
		if err != nil {
			return nil, err
		}
	case KindEvery:
		if s.Every <= 0 {
			return nil, fmt.Errorf("%w: every must be > 0", ErrInvalidSpec)
		}
		if s.Anchor.IsZero() {
			return nil, fmt.Errorf("%w: every needs an anchor", ErrInvalidSpec)
		}
		r = Every(s.Anchor.In(loc), s.Every)
	case KindOnce:
		if s.Anchor.IsZero() {
			return nil, fmt.Errorf("%w: once needs an instant", ErrInvalidSpec)
		}
		r = Once(s.Anchor.In(loc))
	case KindNever, "":
		r = Never()
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s.Kind)
	}

	if !s.Until.IsZero() {
		r = Until(r, s.Until)
	}
	if s.Text != "" {
		r = Labeled(r, s.Text)
	}
	return r, nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: location %q: %v", ErrInvalidSpec, name, err)
	}
	return loc, nil
}

func locationName(loc *time.Location) string {
	if loc == nil || loc == time.Local {
		return ""
	}
	return loc.String()
}
