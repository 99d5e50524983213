package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/callsync/callsync/pkg/config"
	"github.com/callsync/callsync/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate an agent configuration file",
		Long: `Validate a YAML or CUE agent configuration.

This command checks:
  - syntax and the closed CUE schema
  - field constraints and cross-field rules
  - that the outcome classifier script compiles, when one is set`,
		Example: `  # Validate the file named by --config
  callsync validate -c agent.yaml

  # Validate a specific file
  callsync validate ./agent.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("validate requires a path or --config")
			}

			log.Debug().Str("path", path).Msg("Validating configuration")

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			digest := ""
			if cfg.Outcome.Script != "" {
				p, err := policy.CompileFile(cfg.Outcome.Script)
				if err != nil {
					return fmt.Errorf("outcome script: %w", err)
				}
				digest = p.Digest
			}

			result := map[string]any{
				"valid":          true,
				"device_id":      cfg.Device.ID,
				"store":          cfg.Store.DSN,
				"evidence":       cfg.Evidence.Kind,
				"outcome_script": cfg.Outcome.Script,
				"script_digest":  digest,
			}
			return output(cmd, result, func(w io.Writer) {
				fmt.Fprintf(w, "%s is valid (device %s, evidence %s)\n", path, cfg.Device.ID, cfg.Evidence.Kind)
				if digest != "" {
					fmt.Fprintf(w, "Outcome script %s compiled (%s)\n", cfg.Outcome.Script, digest)
				}
			})
		},
	}

	return cmd
}
