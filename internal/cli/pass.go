package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/municipio-digital/agenda/internal/notify"
	"github.com/municipio-digital/agenda/internal/sched"
)

// PassResult reports a single scheduler pass run.
type PassResult struct {
	Pass        string `json:"pass"`
	Transitions int64  `json:"transitions,omitempty"`
	Reminders   int    `json:"reminders,omitempty"`
}

// NewPassCommand creates the pass command.
func NewPassCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pass <expire|activate|reminder>",
		Short: "Run one scheduler pass immediately",
		Long: `Run a single scheduler pass against the database and exit.

"expire" finishes events whose end has passed, "activate" starts
pending events whose start has passed, and "reminder" queues next-day
reminder notifications. The same passes run continuously under serve;
this command exists for cron-driven deployments and for catching up
after downtime.`,
		Args:          cobra.ExactArgs(1),
		ValidArgs:     []string{"expire", "activate", "reminder"},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runPass(opts *RootOptions, pass string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	st, cfg, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	result := PassResult{Pass: pass}

	switch pass {
	case sched.PassExpire:
		scheduler := sched.New(st)
		n, err := scheduler.RunExpirePass(ctx)
		if err != nil {
			return passError(formatter, pass, err)
		}
		result.Transitions = n
	case sched.PassActivate:
		scheduler := sched.New(st)
		n, err := scheduler.RunActivatePass(ctx)
		if err != nil {
			return passError(formatter, pass, err)
		}
		result.Transitions = n
	case sched.PassReminder:
		// The reminder pass only enqueues; delivery happens under serve.
		dispatcher := notify.NewDispatcher(st, &notify.LogTransport{}, nil,
			notify.WithBatchSize(cfg.Notify.BatchSize))
		scheduler := sched.New(st, sched.WithNotifier(dispatcher))
		n, err := scheduler.RunReminderPass(ctx)
		if err != nil {
			return passError(formatter, pass, err)
		}
		result.Reminders = n
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown pass %q", pass))
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	switch pass {
	case sched.PassReminder:
		fmt.Fprintf(formatter.Writer, "reminder pass: %d notification(s) queued\n", result.Reminders)
	default:
		fmt.Fprintf(formatter.Writer, "%s pass: %d event(s) transitioned\n", pass, result.Transitions)
	}
	return nil
}

func passError(formatter *OutputFormatter, pass string, err error) error {
	_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
	return WrapExitError(ExitCommandError, pass+" pass failed", err)
}
