package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/municipio-digital/agenda/internal/store"
)

// NewCancelJobCommand creates the cancel-job command.
func NewCancelJobCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel-job <job-id>",
		Short: "Cancel a queued notification job",
		Long: `Cancel a notification job that has not been picked up yet.

Only QUEUED jobs can be cancelled. A job already claimed by a worker,
delivered, or dead-lettered is past the point of cancellation.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancelJob(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runCancelJob(opts *RootOptions, id string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	st, _, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	err = st.CancelJob(cmd.Context(), id)
	switch {
	case err == nil:
		return formatter.Success(fmt.Sprintf("job %s cancelled", id))
	case errors.Is(err, store.ErrJobNotFound):
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("no job %s", id), nil)
		return NewExitError(ExitFailure, "job not found")
	case errors.Is(err, store.ErrJobNotCancellable):
		_ = formatter.Error(ErrCodeUncancelled, fmt.Sprintf("job %s already picked up", id), nil)
		return NewExitError(ExitFailure, "job past the point of cancellation")
	default:
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to cancel job", err)
	}
}
