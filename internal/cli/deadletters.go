package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/municipio-digital/agenda/internal/notify"
)

// NewDeadLettersCommand creates the deadletters command.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List notifications that exhausted their retries",
		Long: `List dead-lettered notification jobs with their failure detail.

A dead-lettered job is kept, never retried automatically. Manual
follow-up means fixing the cause and enqueueing a fresh notification.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetters(rootOpts, cmd)
		},
	}
	return cmd
}

func runDeadLetters(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	st, _, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.DeadLetters(cmd.Context())
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list dead letters", err)
	}

	records := make([]notify.FailureRecord, 0, len(jobs))
	for _, j := range jobs {
		rec := notify.FailureRecord{
			JobID:     j.ID,
			Subject:   j.Subject,
			Template:  j.Template,
			Attempts:  j.Attempts,
			LastError: j.LastError,
		}
		if j.FailedAt != nil {
			rec.FailedAt = *j.FailedAt
		}
		records = append(records, rec)
	}

	if formatter.Format == "json" {
		return formatter.Success(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(formatter.Writer, "no dead letters")
		return nil
	}
	for _, rec := range records {
		fmt.Fprintln(formatter.Writer, rec.String())
	}
	return nil
}
