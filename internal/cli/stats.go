package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/municipio-digital/agenda/internal/agenda"
)

// StatsReport combines event and notification-queue counts.
type StatsReport struct {
	Events agenda.Stats   `json:"events"`
	Jobs   map[string]int `json:"jobs,omitempty"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stats",
		Short:         "Show event counts per status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(rootOpts, cmd)
		},
	}
	return cmd
}

func runStats(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	svc, st, err := openService(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := svc.Statistics(cmd.Context())
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to collect statistics", err)
	}

	jobCounts, err := st.CountJobs(cmd.Context())
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to count jobs", err)
	}
	report := StatsReport{Events: stats, Jobs: make(map[string]int, len(jobCounts))}
	for status, n := range jobCounts {
		report.Jobs[string(status)] = n
	}

	if formatter.Format == "json" {
		return formatter.Success(report)
	}

	fmt.Fprintf(formatter.Writer, "total: %d\n", stats.Total)
	for _, s := range sortedKeys(stats.ByStatus) {
		fmt.Fprintf(formatter.Writer, "  %-10s %d\n", s, stats.ByStatus[s])
	}
	if len(report.Jobs) > 0 {
		fmt.Fprintf(formatter.Writer, "notifications:\n")
		for _, s := range sortedKeys(report.Jobs) {
			fmt.Fprintf(formatter.Writer, "  %-14s %d\n", s, report.Jobs[s])
		}
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
