package cli

import (
	"github.com/spf13/cobra"

	"github.com/municipio-digital/agenda/internal/agenda"
	"github.com/municipio-digital/agenda/internal/config"
	"github.com/municipio-digital/agenda/internal/store"
)

// newFormatter builds the output formatter for a command invocation.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}
	return cfg, nil
}

// openStore opens the SQLite store named by config and flags.
func openStore(opts *RootOptions) (*store.Store, *config.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, cfg, nil
}

// openService opens the store and wraps it in the booking service.
// Commands that only read or book do not need the dispatcher; lifecycle
// notifications are skipped when no notifier is wired.
func openService(opts *RootOptions) (*agenda.Service, *store.Store, error) {
	st, _, err := openStore(opts)
	if err != nil {
		return nil, nil, err
	}
	return agenda.New(st), st, nil
}
