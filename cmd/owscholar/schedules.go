package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"owscholar/internal/app"
	"owscholar/internal/config"
	"owscholar/internal/recurrence"
	"owscholar/internal/scheduler"
	logx "owscholar/pkg/logx"
)

var schedulesCmd = &cobra.Command{
	Use:     "schedules",
	Aliases: []string{"sched"},
	Short:   "Inspect stored searches",
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every stored search, grouped by chat",
	Args:  cobra.NoArgs,
	RunE:  runSchedulesList,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Parse and validate the config file without starting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := config.NewManager(cfgPath).Load(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
		return nil
	},
}

func init() {
	schedulesCmd.AddCommand(schedulesListCmd)
	configCmd.AddCommand(configCheckCmd)
}

func runSchedulesList(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.Nop())
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("storage is disabled in %s", cfgPath)
	}
	defer st.Close()

	snaps, err := scheduler.Snapshots(context.Background(), st)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(snaps) == 0 {
		fmt.Fprintln(out, "no stored searches")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAT\tID\tQUERY\tSCHEDULE\tADDED")
	for _, key := range slices.Sorted(maps.Keys(snaps)) {
		snap := snaps[key]
		for _, rec := range snap.Bindings {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				snap.Name, shortID(rec.ID), rec.Query, ruleText(rec.Rule), rec.AddedAt.Format("2006-01-02 15:04"))
		}
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ruleText(s recurrence.Spec) string {
	txt := s.Text
	if txt == "" {
		txt = s.Expr
	}
	if txt == "" {
		txt = string(s.Kind)
	}
	if s.Location != "" && !strings.EqualFold(s.Location, "UTC") {
		txt += " (" + s.Location + ")"
	}
	return txt
}
