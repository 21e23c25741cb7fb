package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/municipio-digital/agenda/internal/notify"
	"github.com/municipio-digital/agenda/internal/store"
)

// AnnounceResult reports a bulk announcement enqueue.
type AnnounceResult struct {
	EventID    string `json:"event_id"`
	Recipients int    `json:"recipients"`
	Jobs       int    `json:"jobs"`
}

// NewAnnounceCommand creates the announce command.
func NewAnnounceCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		recipients []string
		subject    string
	)

	cmd := &cobra.Command{
		Use:   "announce <event-id>",
		Short: "Queue an event announcement for a recipient list",
		Long: `Queue an announcement about an event for a list of recipients.

The list is split into batches of at most the configured batch size,
one notification job per batch. Delivery happens under serve.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnnounce(rootOpts, args[0], recipients, subject, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&recipients, "recipients", nil, "recipients (comma separated)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject line (defaults to the event title)")
	_ = cmd.MarkFlagRequired("recipients")

	return cmd
}

func runAnnounce(opts *RootOptions, id string, recipients []string, subject string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	st, cfg, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ev, err := st.GetEvent(cmd.Context(), id)
	if errors.Is(err, store.ErrEventNotFound) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("no event %s", id), nil)
		return NewExitError(ExitFailure, "event not found")
	}
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load event", err)
	}
	if subject == "" {
		subject = ev.Title
	}

	dispatcher := notify.NewDispatcher(st, &notify.LogTransport{}, nil,
		notify.WithBatchSize(cfg.Notify.BatchSize))
	jobs, err := dispatcher.EnqueueBulk(cmd.Context(), recipients, subject, "event-announcement",
		map[string]string{
			"eventTitle":       ev.Title,
			"eventDate":        ev.DateFrom.Format("2006-01-02"),
			"eventTime":        ev.TimeFrom,
			"eventAreas":       strings.Join(ev.Areas, ", "),
			"eventDescription": ev.Description,
		})
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to queue announcement", err)
	}

	result := AnnounceResult{EventID: ev.ID, Recipients: len(recipients), Jobs: jobs}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "announcement queued: %d recipient(s) in %d job(s)\n",
		result.Recipients, result.Jobs)
	return nil
}
