package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/services"
	"github.com/tbourn/biobank-intake/internal/sysutil"
)

type submitOptions struct {
	file    string
	prefix  string
	origin  string
	session string
	key     string
}

func newSubmitCmd(s *state) *cobra.Command {
	var o submitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one questionnaire from a JSON file",
		Long: `Reads a JSON object of answers (in form order), allocates the next sample
identifier and runs the full submission. Without --key the key is derived from
the file content, so submitting the same file twice replays the first result.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.submit(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.file, "file", "f", "", `JSON answers file ("-" for stdin)`)
	f.StringVar(&o.prefix, "prefix", domain.PrefixPatient, "sample prefix: PB or CB")
	f.StringVar(&o.origin, "origin", "", `questionnaire origin ("Donador control" forces CB)`)
	f.StringVar(&o.session, "session", "", "session id (defaults to $INTAKE_SESSION, then the hostname)")
	f.StringVar(&o.key, "key", "", "submission key (defaults to a hash of the file)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (s *state) submit(cmd *cobra.Command, o submitOptions) error {
	raw, err := readInput(cmd, o.file)
	if err != nil {
		return err
	}
	var rec domain.ResponseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrValidation, o.file, err)
	}

	key := o.key
	if key == "" {
		key = uuid.NewSHA1(uuid.NameSpaceOID, raw).String()
	}

	comps, err := s.components()
	if err != nil {
		return err
	}
	defer s.closeComponents(comps)

	out, err := comps.Service.Submit(cmd.Context(), services.SubmitRequest{
		SessionID: sessionID(o.session),
		Key:       key,
		Prefix:    o.prefix,
		Origin:    o.origin,
		Record:    rec,
	})
	return writeOutcome(cmd, out, err)
}

func newRetryCmd(s *state) *cobra.Command {
	var session, key string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry a failed submission",
		Long:  "Re-runs persistence and upload for an attempt that failed, keeping its sample identifier.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			comps, err := s.components()
			if err != nil {
				return err
			}
			defer s.closeComponents(comps)

			out, err := comps.Service.Retry(cmd.Context(), sessionID(session), key)
			return writeOutcome(cmd, out, err)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id (defaults to $INTAKE_SESSION, then the hostname)")
	cmd.Flags().StringVar(&key, "key", "", "submission key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

// writeOutcome prints the outcome as JSON on stdout, even on failure so the
// kept identifier is visible, and its warnings on stderr.
func writeOutcome(cmd *cobra.Command, out *services.Outcome, err error) error {
	if out != nil {
		printWarnings(cmd, out.Warnings)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(out); encErr != nil {
			return errors.Join(err, encErr)
		}
	}
	return err
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return b, nil
}

func sessionID(flag string) string {
	host, _ := os.Hostname()
	return sysutil.FirstNonEmpty(flag, os.Getenv("INTAKE_SESSION"), host, "cli")
}
