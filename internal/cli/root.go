// Package cli defines the cobra commands of the sitewatch executable.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/app"
	"github.com/JakeFAU/sitewatch/internal/config"
	"github.com/JakeFAU/sitewatch/internal/logging"
)

// Exit codes returned by Execute.
const (
	ExitOK      = 0
	ExitConfig  = 1
	ExitStartup = 2
)

// DefaultConfigFile is read when neither --config nor CONFIG_FILE is set.
const DefaultConfigFile = "config.yaml"

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// AppFactory builds the application container.
type AppFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error)

func defaultAppFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

// env holds what the persistent pre-run resolved for subcommands.
type env struct {
	configPath string
	newApp     AppFactory
	cfg        config.Config
	logger     *zap.Logger
}

func (e *env) buildApp(ctx context.Context) (*app.App, error) {
	a, err := e.newApp(ctx, e.cfg, e.logger)
	if err != nil {
		return nil, withCode(ExitStartup, fmt.Errorf("failed to initialize application services: %w", err))
	}
	return a, nil
}

func newRootCmd(newApp AppFactory) *cobra.Command {
	if newApp == nil {
		newApp = defaultAppFactory
	}
	e := &env{newApp: newApp}

	cmd := &cobra.Command{
		Use:   "sitewatch",
		Short: "Monitors web pages for keyword and visual changes.",
		Long: `sitewatch periodically captures monitored pages as HTML and full-page
screenshots, stores every snapshot in an object store, and records an event
whenever a watched keyword appears more often or a watched screen region
changes beyond its sensitivity.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			path, err := resolveConfigPath(e.configPath)
			if err != nil {
				return withCode(ExitConfig, err)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return withCode(ExitConfig, fmt.Errorf("load config: %w", err))
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				File:        cfg.Logging.File,
				MaxSizeMB:   cfg.Logging.MaxSizeMB,
				MaxBackups:  cfg.Logging.MaxBackups,
			})
			if err != nil {
				return withCode(ExitConfig, err)
			}
			zap.ReplaceGlobals(logger)
			e.cfg, e.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&e.configPath, "config", "",
		"config file (default $CONFIG_FILE or "+DefaultConfigFile+")")

	cmd.AddCommand(
		newRunCmd(e),
		newCheckCmd(e),
		newInitBucketsCmd(e),
		newVersionCmd(),
	)
	return cmd
}

// resolveConfigPath picks the flag, then CONFIG_FILE, then the default file.
// A missing default file is not an error: env and defaults still apply.
func resolveConfigPath(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p, nil
	}
	if _, err := os.Stat(DefaultConfigFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("stat %s: %w", DefaultConfigFile, err)
	}
	return DefaultConfigFile, nil
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	return execute(ctx, newRootCmd(nil), args)
}

func execute(ctx context.Context, cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitConfig
}
