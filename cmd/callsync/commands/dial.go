package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/callsync/callsync/pkg/engine"
)

func newDialCommand() *cobra.Command {
	var requestID string

	cmd := &cobra.Command{
		Use:   "dial <number>",
		Short: "Place a call through the agent",
		Long: `Place a call as if the user redialed it from local history. With
--request-id the call is tracked and its outcome reported to the remote;
without it the call is only dialed.`,
		Example: `  callsync dial +79001234567
  callsync dial 89001234567 --request-id redial-42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			result, err := client.Dial(cmd.Context(), args[0], requestID)
			if err != nil {
				return err
			}
			return output(cmd, result, func(w io.Writer) {
				switch {
				case result.Duplicate:
					fmt.Fprintf(w, "Request %s already accepted; nothing dialed\n", result.RequestID)
				case result.Tracked:
					fmt.Fprintf(w, "Dialed %s; tracking as %s\n", result.PhoneNumber, result.RequestID)
				default:
					fmt.Fprintf(w, "Dialed %s (untracked)\n", result.PhoneNumber)
				}
			})
		},
	}

	cmd.Flags().StringVar(&requestID, "request-id", "", "track the call under this ID")

	return cmd
}

func newCallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "call <request-id>",
		Short:   "Show the stored state of a tracked call",
		Example: `  callsync call req-1f2e`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			call, err := client.Call(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return output(cmd, call, func(w io.Writer) { printCall(w, call) })
		},
	}
	return cmd
}

func printCall(w io.Writer, c *engine.PendingCall) {
	fmt.Fprintf(w, "Request:   %s\n", c.RequestID)
	fmt.Fprintf(w, "Number:    %s\n", c.PhoneNumber)
	fmt.Fprintf(w, "Source:    %s\n", c.Source)
	fmt.Fprintf(w, "Created:   %s\n", c.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "State:     %s\n", c.State)
	fmt.Fprintf(w, "Attempts:  %d\n", c.Attempts)
	if c.Outcome != nil {
		fmt.Fprintf(w, "Outcome:   %s (%ds)\n", c.Outcome.Kind, c.Outcome.DurationSeconds)
	}
	if c.MatchedEvidenceID != "" {
		fmt.Fprintf(w, "Evidence:  %s\n", c.MatchedEvidenceID)
	}
}
