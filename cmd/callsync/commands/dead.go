package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/callsync/callsync/pkg/engine"
)

func newDeadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Inspect and resolve reports that exhausted their retries",
		Long: `Reports the remote rejected, or that failed on every attempt, are parked
as dead letters. They are kept until an operator requeues or purges them.`,
	}

	cmd.AddCommand(newDeadListCommand())
	cmd.AddCommand(newDeadRequeueCommand())
	cmd.AddCommand(newDeadPurgeCommand())

	return cmd
}

func newDeadListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List parked reports",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			tasks, err := client.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			if tasks == nil {
				tasks = []*engine.SyncTask{}
			}
			return output(cmd, tasks, func(w io.Writer) { printDeadLetters(w, tasks) })
		},
	}
}

func newDeadRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "requeue <request-id>...",
		Short:   "Retry parked reports from a zero retry count",
		Example: `  callsync dead requeue req-1f2e req-77a0`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := client.Requeue(cmd.Context(), id); err != nil {
					return fmt.Errorf("requeue %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", id)
			}
			return nil
		},
	}
}

func newDeadPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <request-id>...",
		Short: "Discard parked reports",
		Long: `Discard parked reports. The outcome is never delivered and the call is
retired, so it is not recovered on the next start.`,
		Example: `  callsync dead purge req-1f2e`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := client.Purge(cmd.Context(), id); err != nil {
					return fmt.Errorf("purge %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %s\n", id)
			}
			return nil
		},
	}
}

func printDeadLetters(w io.Writer, tasks []*engine.SyncTask) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No dead letters")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST ID\tRETRIES\tPARKED AT\tLAST ERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", t.RequestID, t.RetryCount, t.UpdatedAt.Format(time.RFC3339), t.LastError)
	}
	_ = tw.Flush()
}
