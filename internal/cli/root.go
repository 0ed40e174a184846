// Package cli implements the biobank-intake command line: the HTTP server and
// one-shot commands that drive the submission coordinator directly.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/biobank-intake/internal/app"
	"github.com/tbourn/biobank-intake/internal/config"
	"github.com/tbourn/biobank-intake/internal/observability"
	"github.com/tbourn/biobank-intake/internal/sysutil"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// state is shared by the root command and its subcommands.
type state struct {
	envFile string
	opts    []app.Option

	cfg           config.Config
	logCloser     io.Closer
	traceShutdown observability.ShutdownFunc
}

// NewRootCmd builds the command tree. opts are passed to every
// app.NewComponents call.
func NewRootCmd(opts ...app.Option) *cobra.Command {
	s := &state{opts: opts}
	root := &cobra.Command{
		Use:                "biobank-intake",
		Short:              "Biobank questionnaire intake",
		Long:               "Assigns sample identifiers, records questionnaire responses and mirrors both files to the lab's SFTP server.",
		SilenceUsage:       true,
		Version:            Version,
		PersistentPreRunE:  s.init,
		PersistentPostRunE: s.cleanup,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&s.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(
		newServeCmd(s),
		newSubmitCmd(s),
		newRetryCmd(s),
		newPullCmd(s),
		newPushCmd(s),
	)
	return root
}

// Execute runs the root command until it returns or SIGINT/SIGTERM arrives.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// init loads the dotenv file and the configuration, then sets up logging and
// tracing. A missing default .env is not an error.
func (s *state) init(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(s.envFile); err != nil {
		if cmd.Flags().Changed("env-file") || !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", s.envFile, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	s.cfg = cfg
	s.logCloser = sysutil.ConfigureLogging(cfg.Log)

	shutdown, err := observability.SetupTracing(cmd.Context(), cfg.OTEL, Version)
	if err != nil {
		return err
	}
	s.traceShutdown = shutdown
	return nil
}

func (s *state) cleanup(cmd *cobra.Command, _ []string) error {
	var errs []error
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		errs = append(errs, s.traceShutdown(ctx))
		cancel()
	}
	if s.logCloser != nil {
		errs = append(errs, s.logCloser.Close())
	}
	return errors.Join(errs...)
}

// components builds the application for one command. The caller closes it.
func (s *state) components() (*app.Components, error) {
	c, err := app.NewComponents(s.cfg, s.opts...)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("db", s.cfg.DBPath).Bool("remote", c.Gateway.Enabled()).Msg("components ready")
	return c, nil
}

// closeComponents drains notifications within the shutdown budget.
func (s *state) closeComponents(c *app.Components) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		log.Error().Err(err).Msg("close components")
	}
}

// printWarnings writes one line per warning to the command's stderr.
func printWarnings(cmd *cobra.Command, warnings []string) {
	for _, w := range warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
}
