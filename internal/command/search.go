package command

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"owscholar/internal/query"
	"owscholar/internal/recurrence"
	"owscholar/internal/scheduler"
	"owscholar/internal/transport"
	logx "owscholar/pkg/logx"
)

var (
	reSearch     = regexp.MustCompile(`(?is)^search\s+for\s+(?P<rest>.+)$`)
	reTargetSep  = regexp.MustCompile(`(?i)\s+(?:on|at)\s+`)
	reTargetWord = regexp.MustCompile(`^(\w+)`)
	reAndOrComma = regexp.MustCompile(`^(?i)(\s*,?\s+and\s+|\s*,\s*)`)
)

// searchRequest is a parsed "search for <terms> on <targets> [<schedule>]".
type searchRequest struct {
	Terms    string
	Targets  []string // provider display names
	Schedule string
}

// parseSearch splits rest at the first " on " / " at " that is followed by
// at least one known provider, so terms may themselves contain "on".
func parseSearch(rest string, lookup func(string) (string, bool)) (searchRequest, error) {
	var unknown string
	for _, loc := range reTargetSep.FindAllStringIndex(rest, -1) {
		terms := strings.TrimSpace(rest[:loc[0]])
		tail := rest[loc[1]:]
		targets, n := scanTargets(tail, lookup)
		if len(targets) == 0 {
			if unknown == "" {
				unknown = reTargetWord.FindString(tail)
			}
			continue
		}
		if terms == "" {
			return searchRequest{}, userErrorf(nil, "what should I search for?")
		}
		sched := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(tail[n:]), ","))
		return searchRequest{Terms: unquote(terms), Targets: targets, Schedule: sched}, nil
	}
	if unknown != "" {
		return searchRequest{}, userErrorf(nil, fmt.Sprintf("I don't know how to search %q.", unknown))
	}
	return searchRequest{}, userErrorf(nil, `say where to search, e.g. "search for ti:graphene on arXiv weekly".`)
}

// scanTargets consumes "A", "A and B", "A, B and C" from the start of s and
// returns the resolved names and the number of bytes consumed.
func scanTargets(s string, lookup func(string) (string, bool)) ([]string, int) {
	var (
		out []string
		pos int
	)
	for {
		w := reTargetWord.FindString(s[pos:])
		if w == "" {
			break
		}
		name, ok := lookup(w)
		if !ok {
			break
		}
		if !containsFold(out, name) {
			out = append(out, name)
		}
		pos += len(w)
		sep := reAndOrComma.FindString(s[pos:])
		if sep == "" {
			break
		}
		if next := reTargetWord.FindString(s[pos+len(sep):]); next == "" {
			break
		} else if _, ok := lookup(next); !ok {
			break
		}
		pos += len(sep)
	}
	return out, pos
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' && !strings.Contains(s[1:len(s)-1], `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

// joinAnd renders ["a","b","c"] as "a, b and c".
func joinAnd(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}

// alertTarget is where results of searches created by msg are posted.
// Slack threads are dropped so alerts land in the channel.
func alertTarget(msg *transport.Message) transport.ChatTarget {
	t := msg.Target()
	if t.Platform == transport.PlatformSlack {
		t.ThreadID = ""
	}
	return t
}

// location resolves the sender's zone: the message itself, then the
// platform lookup, then the configured default.
func (r *Router) location(ctx context.Context, req *Request) *time.Location {
	name := req.Msg.FromTimeZone
	if name == "" {
		if tz, ok := r.deps.TimeZones[req.Msg.Platform]; ok && tz != nil && req.Msg.FromID != "" {
			zone, err := tz.UserTimeZone(ctx, req.Msg.FromID)
			if err != nil {
				req.Log.Debug("user time zone lookup failed", logx.Err(err))
			}
			name = zone
		}
	}
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return r.deps.Location
}

func (r *Router) handleSearch(ctx context.Context, req *Request) (string, error) {
	sr, err := parseSearch(req.Args["rest"], r.deps.Queries.Lookup)
	if err != nil {
		return "", err
	}
	on := joinAnd(sr.Targets)
	req.Target = sr.Terms + " on " + on

	schedule := sr.Schedule
	if schedule == "" {
		schedule = r.deps.DefaultSchedule
	}
	rule, err := recurrence.Parse(schedule, recurrence.ParseOptions{
		Now:      r.deps.Now(),
		Location: r.location(ctx, req),
	})
	if err != nil {
		return "", userErrorf(err, fmt.Sprintf("I can't understand the schedule %q.", schedule))
	}

	sched, err := r.deps.Schedulers.ForChat(ctx, req.Msg.Target())
	if err != nil {
		return "", err
	}
	h := r.deps.Handler(alertTarget(req.Msg))

	var added, dup int
	for _, provider := range sr.Targets {
		q, err := r.deps.Queries.Build(query.Spec{Provider: provider, Terms: sr.Terms})
		if err != nil {
			return "", userErrorf(err, fmt.Sprintf("I can't search %s for that.", provider))
		}
		if sched.HasBinding(q, rule, h) {
			dup++
			continue
		}
		b, err := sched.AddSchedule(q, rule, h)
		if err != nil {
			return "", err
		}
		added++
		req.Log.Info("search added",
			logx.String("binding", b.ID),
			logx.String("query", q.Spec().String()),
			logx.String("rule", rule.String()),
		)
	}
	if added == 0 && dup > 0 {
		return fmt.Sprintf(`%s, I'm already searching for "%s" on %s with that schedule.`, req.Msg.Mention(), sr.Terms, on), nil
	}
	reply := fmt.Sprintf(`OK, %s, I will search for "%s" on %s with a schedule of "%s"`, req.Msg.Mention(), sr.Terms, on, rule)
	if err := r.deps.Schedulers.Persist(ctx, req.Msg.Target()); err != nil {
		req.Log.Warn("saving searches failed", logx.Err(err))
		reply += ", but I could not save it and it will be lost on restart."
	}
	return reply, nil
}

// shortID is the prefix users type to refer to a binding.
func shortID(b *scheduler.Binding) string {
	if len(b.ID) > 8 {
		return b.ID[:8]
	}
	return b.ID
}
