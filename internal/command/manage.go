package command

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"owscholar/internal/scheduler"
	logx "owscholar/pkg/logx"
	"owscholar/pkg/tgui"
)

func (r *Router) builtins() []*Command {
	return []*Command{
		{
			Name:        "search",
			Usage:       "search for <terms> on <arXiv|PubMed>[ and ...] [schedule]",
			Description: "Start a recurring search in this chat",
			Pattern:     reSearch,
			Mutates:     true,
			Handle:      r.handleSearch,
		},
		{
			Name:        "list",
			Usage:       "list searches",
			Description: "Show the searches of this chat",
			Pattern:     regexp.MustCompile(`(?i)^(?:list|show)(?:\s+(?:my\s+|all\s+)?searches)?$`),
			Handle:      r.handleList,
		},
		{
			Name:        "remove",
			Usage:       "remove search <id>",
			Description: "Delete a search by its id prefix",
			Pattern:     regexp.MustCompile(`(?i)^(?:remove|delete|cancel)(?:\s+search)?\s+(?P<id>[0-9a-f-]{4,36})$`),
			Mutates:     true,
			Handle:      r.handleRemove,
		},
		{
			Name:        "pause",
			Usage:       "pause searches",
			Description: "Stop running searches until resumed",
			Pattern:     regexp.MustCompile(`(?i)^pause(?:\s+searches)?$`),
			Mutates:     true,
			Handle:      r.handlePause,
		},
		{
			Name:        "resume",
			Usage:       "resume searches",
			Description: "Resume paused searches",
			Pattern:     regexp.MustCompile(`(?i)^resume(?:\s+searches)?$`),
			Mutates:     true,
			Handle:      r.handleResume,
		},
		{
			Name:        "help",
			Usage:       "help",
			Description: "Show usage",
			Pattern:     regexp.MustCompile(`(?i)^(?:help|start|\?)$`),
			Handle: func(context.Context, *Request) (string, error) {
				return r.helpText(), nil
			},
		},
	}
}

func (r *Router) helpText() string {
	var b strings.Builder
	b.WriteString("I run literature searches on a schedule and post new publications here.\n")
	for _, c := range r.commands {
		fmt.Fprintf(&b, "\n• %s\n    %s", c.Usage, c.Description)
	}
	b.WriteString("\n\nSources: " + joinAnd(r.deps.Queries.Names()))
	b.WriteString("\nSchedules: daily, weekly, every 3 days, every monday at 9:00, daily at 18:00 until 2027-01-31, cron like \"0 9 * * 1-5\"")
	b.WriteString("\nDefault schedule: " + r.deps.DefaultSchedule)
	return b.String()
}

func (r *Router) existing(req *Request) (*scheduler.Scheduler, error) {
	sched, ok := r.deps.Schedulers.Existing(req.Msg.Target())
	if !ok || sched.Len() == 0 {
		return nil, userErrorf(ErrNoSchedules, `there are no searches here yet. Try "search for ti:graphene on arXiv weekly".`)
	}
	return sched, nil
}

func (r *Router) handleList(ctx context.Context, req *Request) (string, error) {
	sched, err := r.existing(req)
	if err != nil {
		return "", err
	}
	loc := r.location(ctx, req)

	var b strings.Builder
	bindings := sched.Bindings()
	fmt.Fprintf(&b, "%d search(es) in this chat", len(bindings))
	if sched.State() != scheduler.Running {
		b.WriteString(" (paused)")
	}
	b.WriteString(":")
	for _, bd := range bindings {
		st := bd.Stats()
		q := bd.Query.Spec()
		fmt.Fprintf(&b, "\n• %s  %s \"%s\"  |  %s", shortID(bd), q.Provider, q.Terms, bd.Rule.String())
		switch {
		case st.Retired:
			b.WriteString("  |  finished")
		case !st.Next.IsZero():
			b.WriteString("  |  next " + st.Next.In(loc).Format("Mon 2 Jan 15:04 MST"))
		}
		if st.Runs > 0 {
			fmt.Fprintf(&b, "  |  %d run(s), %d result(s)", st.Runs, st.Events)
		}
		if st.LastError != "" {
			fmt.Fprintf(&b, "  |  last error: %s", tgui.TruncRunes(st.LastError, 80))
		}
	}
	return b.String(), nil
}

func (r *Router) handleRemove(ctx context.Context, req *Request) (string, error) {
	sched, err := r.existing(req)
	if err != nil {
		return "", err
	}
	prefix := strings.ToLower(req.Args["id"])
	req.Target = prefix

	var matches []*scheduler.Binding
	for _, b := range sched.Bindings() {
		if strings.HasPrefix(b.ID, prefix) {
			matches = append(matches, b)
		}
	}
	switch len(matches) {
	case 0:
		return "", userErrorf(scheduler.ErrBindingNotFound, fmt.Sprintf("there is no search %s here.", prefix))
	case 1:
	default:
		return "", userErrorf(nil, fmt.Sprintf("%s matches %d searches; use more of the id.", prefix, len(matches)))
	}
	b, err := sched.Remove(matches[0].ID)
	if err != nil {
		return "", err
	}
	if err := r.deps.Schedulers.Persist(ctx, req.Msg.Target()); err != nil {
		req.Log.Warn("saving searches failed", logx.Err(err))
	}
	q := b.Query.Spec()
	return fmt.Sprintf("Removed search %s (%s \"%s\").", shortID(b), q.Provider, q.Terms), nil
}

func (r *Router) handlePause(ctx context.Context, req *Request) (string, error) {
	sched, err := r.existing(req)
	if err != nil {
		return "", err
	}
	if sched.State() == scheduler.Stopped {
		return "Searches are already paused.", nil
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sched.StopContext(sctx); err != nil {
		return "", userErrorf(err, "a search is still running; it will stop once it finishes.")
	}
	return fmt.Sprintf("Paused %d search(es). Say \"resume searches\" to continue.", sched.Len()), nil
}

func (r *Router) handleResume(_ context.Context, req *Request) (string, error) {
	sched, err := r.existing(req)
	if err != nil {
		return "", err
	}
	if !sched.Run() {
		return "Searches are already running.", nil
	}
	return fmt.Sprintf("Resumed %d search(es).", sched.Len()), nil
}
