package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/municipio-digital/agenda/internal/avail"
)

// CheckResult holds an availability check outcome.
type CheckResult struct {
	Available bool             `json:"available"`
	Conflicts []avail.Conflict `json:"conflicts,omitempty"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		areas    []string
		dateFrom string
		dateTo   string
		timeFrom string
		timeTo   string
		exclude  string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check area availability for a slot",
		Long: `Check whether a set of areas is free for a date range and daily
time window, without booking anything.

Exits 0 when the slot is free and 1 when it conflicts with existing
bookings. The check is advisory: a concurrent booking can still take
the slot between this check and a later create.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildCheckRequest(areas, dateFrom, dateTo, timeFrom, timeTo, exclude)
			if err != nil {
				formatter := newFormatter(rootOpts, cmd)
				_ = formatter.Error(ErrCodeInvalid, err.Error(), nil)
				return WrapExitError(ExitCommandError, "invalid check request", err)
			}
			return runCheck(rootOpts, req, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&areas, "areas", nil, "areas to check (comma separated)")
	cmd.Flags().StringVar(&dateFrom, "from", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&dateTo, "to", "", "last day (YYYY-MM-DD, defaults to --from)")
	cmd.Flags().StringVar(&timeFrom, "time-from", "", "daily start time (HH:mm)")
	cmd.Flags().StringVar(&timeTo, "time-to", "", "daily end time (HH:mm)")
	cmd.Flags().StringVar(&exclude, "exclude", "", "event ID to ignore (when re-checking an update)")
	_ = cmd.MarkFlagRequired("areas")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("time-from")
	_ = cmd.MarkFlagRequired("time-to")

	return cmd
}

func buildCheckRequest(areas []string, dateFrom, dateTo, timeFrom, timeTo, exclude string) (avail.Request, error) {
	from, err := time.Parse("2006-01-02", dateFrom)
	if err != nil {
		return avail.Request{}, fmt.Errorf("bad --from date %q: %w", dateFrom, err)
	}
	to := from
	if dateTo != "" {
		to, err = time.Parse("2006-01-02", dateTo)
		if err != nil {
			return avail.Request{}, fmt.Errorf("bad --to date %q: %w", dateTo, err)
		}
	}
	if to.Before(from) {
		return avail.Request{}, fmt.Errorf("--to %s is before --from %s", dateTo, dateFrom)
	}
	return avail.Request{
		Areas:     areas,
		DateFrom:  from,
		DateTo:    to,
		TimeFrom:  timeFrom,
		TimeTo:    timeTo,
		ExcludeID: exclude,
	}, nil
}

func runCheck(opts *RootOptions, req avail.Request, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	svc, st, err := openService(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	err = svc.CheckAvailability(cmd.Context(), req)
	if err == nil {
		if formatter.Format == "json" {
			return formatter.Success(CheckResult{Available: true})
		}
		fmt.Fprintln(formatter.Writer, "available")
		return nil
	}

	var conflictErr *avail.ConflictError
	if !errors.As(err, &conflictErr) {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "availability check failed", err)
	}

	if formatter.Format == "json" {
		_ = formatter.Success(CheckResult{Available: false, Conflicts: conflictErr.Conflicts})
	} else {
		writeConflictReport(formatter, conflictErr.Conflicts)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d conflict(s) found", len(conflictErr.Conflicts)))
}

// writeConflictReport prints the text form of a conflict list.
func writeConflictReport(formatter *OutputFormatter, conflicts []avail.Conflict) {
	fmt.Fprintf(formatter.Writer, "unavailable: %d conflict(s)\n\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Fprintf(formatter.Writer, "  area %-12s %q (%s)\n", c.Area, c.Title, c.EventID)
	}
}
