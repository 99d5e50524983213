package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/callsync/callsync/pkg/engine"
)

func newWakeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wake [reason]",
		Short: "Wake the agent to poll and deliver now",
		Long: `Wake the agent. Polling restarts at the burst cadence, every queued report
becomes due, and pending calls are re-checked against the call log.

Reasons: push, connectivity, foreground, manual (default).`,
		Example: `  callsync wake
  callsync wake push`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := engine.WakeManual
			if len(args) > 0 {
				reason = args[0]
			}
			client, err := apiClient()
			if err != nil {
				return err
			}
			if err := client.Wake(cmd.Context(), reason); err != nil {
				return err
			}
			return output(cmd, map[string]string{"status": "woken", "reason": reason}, func(w io.Writer) {
				fmt.Fprintf(w, "Agent woken (%s)\n", reason)
			})
		},
	}
	return cmd
}

func newModeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "mode foreground|background",
		Short:     "Switch the agent's polling cadence",
		Example:   `  callsync mode background`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"foreground", "background"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var background bool
			switch args[0] {
			case "foreground":
			case "background":
				background = true
			default:
				return fmt.Errorf("unknown mode %q: use foreground or background", args[0])
			}
			client, err := apiClient()
			if err != nil {
				return err
			}
			if err := client.SetBackground(cmd.Context(), background); err != nil {
				return err
			}
			return output(cmd, map[string]string{"mode": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "Agent switched to %s polling\n", args[0])
			})
		},
	}
	return cmd
}
