package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseOptions anchors relative phrases ("weekly" starts now) and fixes the
// time zone for wall-clock phrases ("every monday at 9:00").
type ParseOptions struct {
	Now      time.Time
	Location *time.Location
}

func (o ParseOptions) normalize() ParseOptions {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	o.Now = o.Now.In(o.Location)
	return o
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reUntil    = regexp.MustCompile(`(?i)^(.*?)\s+until\s+(\d{4}-\d{2}-\d{2})$`)
	reEveryN   = regexp.MustCompile(`(?i)^every\s+(\d+)?\s*(second|minute|hour|day|week)s?$`)
	reAtClock  = regexp.MustCompile(`(?i)^(.*?)\s*\bat\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	reWeekdays = map[string]string{
		"sunday": "0", "monday": "1", "tuesday": "2", "wednesday": "3",
		"thursday": "4", "friday": "5", "saturday": "6",
		"weekday": "1-5", "weekend": "0,6",
	}
)

// Parse turns a schedule phrase into a Rule.
//
// Supported forms:
//   - Phrases: "now", "once", "hourly", "daily", "weekly", "monthly",
//     "every 3 days", "every monday", "every weekday at 9:30",
//     "daily at 18:00", any of them with " until 2027-01-31"
//   - Cron (crontab.guru-style): "*/5 * * * *", "0 9 * * 1", "@daily"
//   - Interval duration: "55m", "2h30m", "@every 55m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
//
// Relative rules are anchored at opts.Now.
func Parse(raw string, opts ParseOptions) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, ErrEmptyRule
	}
	opts = opts.normalize()

	var until time.Time
	if m := reUntil.FindStringSubmatch(s); m != nil {
		d, err := time.ParseInLocation(time.DateOnly, m[2], opts.Location)
		if err != nil {
			return nil, fmt.Errorf("%w: until %q: %v", ErrInvalidSpec, m[2], err)
		}
		// inclusive of the whole day
		until = d.Add(24*time.Hour - time.Nanosecond)
		s = strings.TrimSpace(m[1])
	}

	r, err := parseBase(s, opts)
	if err != nil {
		return nil, err
	}
	return Labeled(Until(r, until), strings.TrimSpace(raw)), nil
}

func parseBase(s string, opts ParseOptions) (Rule, error) {
	low := strings.ToLower(s)

	// Prefixes (explicit)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return Cron(strings.TrimSpace(s[len("cron:"):]), opts.Location)
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalRule(s[len("interval:"):], opts)
	case strings.HasPrefix(low, "every:"):
		return parseIntervalRule(s[len("every:"):], opts)
	case strings.HasPrefix(low, "@every "):
		return parseIntervalRule(s[len("@every "):], opts)
	}

	if r, ok, err := parsePhrase(low, opts); ok || err != nil {
		return r, err
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		r, err := Cron(s, opts.Location)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is neither a known phrase nor a cron expression", ErrInvalidSpec, s)
		}
		return r, nil
	}

	// - HH:MM or Go duration => interval
	if r, err := parseIntervalRule(s, opts); err == nil {
		return r, nil
	}

	return nil, fmt.Errorf(
		"%w: %q (use a phrase like 'weekly', cron like '0 9 * * 1', HH:MM like '02:30', or duration like '55m')",
		ErrInvalidSpec, s,
	)
}

func parsePhrase(low string, opts ParseOptions) (Rule, bool, error) {
	now := opts.Now
	switch low {
	case "now", "once", "once now":
		return Once(now), true, nil
	case "hourly", "every hour":
		return Every(now, time.Hour), true, nil
	case "daily", "every day":
		return Every(now, 24*time.Hour), true, nil
	case "weekly", "every week":
		return Every(now, 7*24*time.Hour), true, nil
	case "monthly", "every month":
		r, err := Cron(fmt.Sprintf("%d %d %d * *", now.Minute(), now.Hour(), now.Day()), opts.Location)
		return r, true, err
	}

	if m := reEveryN.FindStringSubmatch(low); m != nil {
		n := 1
		if m[1] != "" {
			v, err := strconv.Atoi(m[1])
			if err != nil || v <= 0 {
				return nil, true, fmt.Errorf("%w: count must be > 0", ErrInvalidSpec)
			}
			n = v
		}
		unit := map[string]time.Duration{
			"second": time.Second, "minute": time.Minute, "hour": time.Hour,
			"day": 24 * time.Hour, "week": 7 * 24 * time.Hour,
		}[m[2]]
		return Every(now, time.Duration(n)*unit), true, nil
	}

	// wall-clock phrases: "<days> at HH[:MM][am|pm]" or "every <weekday>"
	head, hour, minute := low, now.Hour(), now.Minute()
	if m := reAtClock.FindStringSubmatch(low); m != nil {
		h, mm, err := parseClock(m[2], m[3], m[4])
		if err != nil {
			return nil, true, err
		}
		head, hour, minute = strings.TrimSpace(m[1]), h, mm
		if head == "" {
			head = "daily"
		}
	} else if !strings.HasPrefix(low, "every ") && !strings.HasPrefix(low, "on ") {
		return nil, false, nil
	}

	dow, ok := dayField(head)
	if !ok {
		return nil, false, nil
	}
	r, err := Cron(fmt.Sprintf("%d %d * * %s", minute, hour, dow), opts.Location)
	return r, true, err
}

func dayField(head string) (string, bool) {
	head = strings.TrimSpace(head)
	switch head {
	case "daily", "every day", "each day":
		return "*", true
	}
	for _, prefix := range []string{"every ", "each ", "on "} {
		if strings.HasPrefix(head, prefix) {
			head = strings.TrimSpace(head[len(prefix):])
			break
		}
	}
	head = strings.TrimSuffix(head, "s")
	if v, ok := reWeekdays[head]; ok {
		return v, true
	}
	return "", false
}

func parseClock(hs, ms, ampm string) (int, int, error) {
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: hour %q", ErrInvalidSpec, hs)
	}
	m := 0
	if ms != "" {
		if m, err = strconv.Atoi(ms); err != nil {
			return 0, 0, fmt.Errorf("%w: minute %q", ErrInvalidSpec, ms)
		}
	}
	switch strings.ToLower(ampm) {
	case "am":
		if h == 12 {
			h = 0
		}
	case "pm":
		if h < 12 {
			h += 12
		}
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: invalid time %s:%02d", ErrInvalidSpec, hs, m)
	}
	return h, m, nil
}

func parseIntervalRule(v string, opts ParseOptions) (Rule, error) {
	d, err := parseInterval(v)
	if err != nil {
		return nil, err
	}
	return Every(opts.Now, d), nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidSpec)
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", ErrInvalidSpec, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidSpec, v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidSpec, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
	}
	return d, nil
}
