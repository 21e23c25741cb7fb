package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/municipio-digital/agenda/internal/agenda"
	"github.com/municipio-digital/agenda/internal/event"
	"github.com/municipio-digital/agenda/internal/store"
)

// EventSummary is the list row shown for an event.
type EventSummary struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Status   string   `json:"status"`
	Areas    []string `json:"areas"`
	DateFrom string   `json:"date_from"`
	DateTo   string   `json:"date_to"`
	TimeFrom string   `json:"time_from"`
	TimeTo   string   `json:"time_to"`
}

func summarize(ev event.Event) EventSummary {
	return EventSummary{
		ID:       ev.ID,
		Title:    ev.Title,
		Status:   string(ev.Status),
		Areas:    ev.Areas,
		DateFrom: ev.DateFrom.Format("2006-01-02"),
		DateTo:   ev.DateTo.Format("2006-01-02"),
		TimeFrom: ev.TimeFrom,
		TimeTo:   ev.TimeTo,
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		status string
		area   string
		from   string
		to     string
	)

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List events",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := buildEventFilter(status, area, from, to)
			if err != nil {
				formatter := newFormatter(rootOpts, cmd)
				_ = formatter.Error(ErrCodeInvalid, err.Error(), nil)
				return WrapExitError(ExitCommandError, "invalid filter", err)
			}
			return runList(rootOpts, filter, cmd)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING|ONGOING|FINISHED|CANCELLED)")
	cmd.Flags().StringVar(&area, "area", "", "filter by occupied area")
	cmd.Flags().StringVar(&from, "from", "", "events starting on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "events ending on or before (YYYY-MM-DD)")

	return cmd
}

func buildEventFilter(status, area, from, to string) (store.EventFilter, error) {
	var f store.EventFilter
	if status != "" {
		s := event.Status(status)
		if !s.Valid() {
			return f, fmt.Errorf("unknown status %q", status)
		}
		f.Status = s
	}
	f.Area = area
	if from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return f, fmt.Errorf("bad --from date %q: %w", from, err)
		}
		f.DateFrom = t
	}
	if to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return f, fmt.Errorf("bad --to date %q: %w", to, err)
		}
		f.DateTo = t
	}
	return f, nil
}

func runList(opts *RootOptions, filter store.EventFilter, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	svc, st, err := openService(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	evs, err := svc.ListEvents(cmd.Context(), filter)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list events", err)
	}

	summaries := make([]EventSummary, 0, len(evs))
	for _, ev := range evs {
		summaries = append(summaries, summarize(ev))
	}

	if formatter.Format == "json" {
		return formatter.Success(summaries)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(formatter.Writer, "no events")
		return nil
	}
	for _, s := range summaries {
		fmt.Fprintf(formatter.Writer, "%s  %-9s %s to %s %s-%s  %s\n",
			s.ID, s.Status, s.DateFrom, s.DateTo, s.TimeFrom, s.TimeTo, s.Title)
	}
	return nil
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cancel <event-id>",
		Short:         "Cancel a booked event",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runCancel(opts *RootOptions, id string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	svc, st, err := openService(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	err = svc.CancelEvent(cmd.Context(), id)
	switch {
	case err == nil:
		return formatter.Success(fmt.Sprintf("event %s cancelled", id))
	case errors.Is(err, store.ErrEventNotFound):
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("no event %s", id), nil)
		return NewExitError(ExitFailure, "event not found")
	case errors.Is(err, agenda.ErrEventTerminal):
		_ = formatter.Error(ErrCodeTerminal, fmt.Sprintf("event %s already finished or cancelled", id), nil)
		return NewExitError(ExitFailure, "event in terminal status")
	default:
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to cancel event", err)
	}
}
