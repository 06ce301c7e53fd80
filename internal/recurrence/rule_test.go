package recurrence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // a Monday

func TestEveryAfter(t *testing.T) {
	t.Parallel()
	r := Every(t0, time.Hour)

	tests := []struct {
		name      string
		at        time.Time
		inclusive bool
		want      time.Time
	}{
		{"before anchor", t0.Add(-time.Minute), false, t0},
		{"on anchor inclusive", t0, true, t0},
		{"on anchor exclusive", t0, false, t0.Add(time.Hour)},
		{"between", t0.Add(90 * time.Minute), true, t0.Add(2 * time.Hour)},
		{"on tick inclusive", t0.Add(3 * time.Hour), true, t0.Add(3 * time.Hour)},
		{"on tick exclusive", t0.Add(3 * time.Hour), false, t0.Add(4 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.After(tt.at, tt.inclusive)
			require.True(t, ok)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestCronAfterInclusive(t *testing.T) {
	t.Parallel()
	r, err := Cron("0 9 * * 1", time.UTC)
	require.NoError(t, err)

	monday9 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	got, ok := r.After(monday9, true)
	require.True(t, ok)
	assert.True(t, monday9.Equal(got))

	got, ok = r.After(monday9, false)
	require.True(t, ok)
	assert.True(t, monday9.AddDate(0, 0, 7).Equal(got))
}

func TestOnceAndNever(t *testing.T) {
	t.Parallel()
	o := Once(t0)

	got, ok := o.After(t0, true)
	require.True(t, ok)
	assert.True(t, t0.Equal(got))

	_, ok = o.After(t0, false)
	assert.False(t, ok)

	_, ok = Never().After(t0, true)
	assert.False(t, ok)
}

func TestUntilExhausts(t *testing.T) {
	t.Parallel()
	r := Until(Every(t0, 24*time.Hour), t0.Add(48*time.Hour))

	var fired []time.Time
	at := t0
	inclusive := true
	for {
		next, ok := r.After(at, inclusive)
		if !ok {
			break
		}
		fired = append(fired, next)
		at, inclusive = next, false
	}
	assert.Len(t, fired, 3)
}

func TestMonotonic(t *testing.T) {
	t.Parallel()
	c, err := Cron("*/15 * * * *", time.UTC)
	require.NoError(t, err)
	rules := []Rule{Every(t0, 7*time.Minute), c, Until(Every(t0, time.Hour), t0.Add(5*time.Hour))}

	for _, r := range rules {
		prev := time.Time{}
		for i := 0; i < 200; i++ {
			at := t0.Add(time.Duration(i) * 3 * time.Minute)
			next, ok := r.After(at, false)
			if !ok {
				break
			}
			assert.False(t, next.Before(prev), "%s: %s before %s", r, next, prev)
			assert.True(t, next.After(at))
			prev = next
		}
	}
}

func TestSpecRoundTrip(t *testing.T) {
	t.Parallel()
	opts := ParseOptions{Now: t0, Location: time.UTC}

	for _, phrase := range []string{"weekly", "every monday at 9:00", "*/5 * * * *", "now", "daily until 2026-04-01", "02:30"} {
		t.Run(phrase, func(t *testing.T) {
			r, err := Parse(phrase, opts)
			require.NoError(t, err)

			raw, err := json.Marshal(r.Spec())
			require.NoError(t, err)
			var spec Spec
			require.NoError(t, json.Unmarshal(raw, &spec))

			back, err := FromSpec(spec)
			require.NoError(t, err)
			assert.Equal(t, phrase, back.String())

			for _, at := range []time.Time{t0, t0.Add(time.Hour), t0.AddDate(0, 0, 10)} {
				w, wok := r.After(at, true)
				g, gok := back.After(at, true)
				assert.Equal(t, wok, gok)
				assert.True(t, w.Equal(g))
			}
		})
	}
}

func TestFromSpecRejectsInvalid(t *testing.T) {
	t.Parallel()
	_, err := FromSpec(Spec{Kind: KindEvery, Every: time.Hour})
	require.ErrorIs(t, err, ErrInvalidSpec)
	_, err = FromSpec(Spec{Kind: "fortnightly"})
	require.ErrorIs(t, err, ErrInvalidSpec)
	_, err = FromSpec(Spec{Kind: KindCron, Expr: "nope"})
	require.ErrorIs(t, err, ErrInvalidSpec)
}

func TestHumanDuration(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "1 week", HumanDuration(7*24*time.Hour))
	assert.Equal(t, "90 minutes", HumanDuration(90*time.Minute))
	assert.Equal(t, "1.5s", HumanDuration(1500*time.Millisecond))
}
