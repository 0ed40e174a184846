package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPullCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Refresh the local mirrors from the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.sync(cmd, "pull", func(ctx context.Context, m mirror) ([]string, error) { return m.SyncDown(ctx) })
		},
	}
}

func newPushCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Upload the local mirrors to the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.sync(cmd, "push", func(ctx context.Context, m mirror) ([]string, error) { return m.SyncUp(ctx) })
		},
	}
}

type mirror interface {
	SyncDown(ctx context.Context) ([]string, error)
	SyncUp(ctx context.Context) ([]string, error)
}

// sync runs one direction. Transfer problems are warnings; the command only
// fails when the local side does.
func (s *state) sync(cmd *cobra.Command, name string, run func(context.Context, mirror) ([]string, error)) error {
	comps, err := s.components()
	if err != nil {
		return err
	}
	defer s.closeComponents(comps)

	warnings, err := run(cmd.Context(), comps.Service)
	printWarnings(cmd, warnings)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: done (%d warnings)\n", name, len(warnings))
	return nil
}
