package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/callsync/callsync/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running agent",
		Example: `  callsync status
  callsync status --json --addr 127.0.0.1:8787`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd, status, func(w io.Writer) { printStatus(w, status) })
		},
	}
	return cmd
}

func printStatus(w io.Writer, s *engine.Status) {
	lastPoll := "never"
	if s.LastSuccessfulPoll != nil {
		lastPoll = fmt.Sprintf("%s (%s ago)", s.LastSuccessfulPoll.Format(time.RFC3339),
			time.Since(*s.LastSuccessfulPoll).Truncate(time.Second))
	}
	mode := "foreground"
	if s.Background {
		mode = "background"
	}

	fmt.Fprintf(w, "Scheduler:        %s (every %s, %s)\n", s.SchedulerState, s.PollInterval, mode)
	fmt.Fprintf(w, "Online:           %t\n", s.Online)
	fmt.Fprintf(w, "Last poll:        %s\n", lastPoll)
	fmt.Fprintf(w, "Pending calls:    %d\n", s.ActivePending)
	fmt.Fprintf(w, "Queued reports:   %d\n", s.QueueDepth)
	fmt.Fprintf(w, "Dead reports:     %d\n", s.DeadTasks)
	fmt.Fprintf(w, "Call log:         %s\n", availability(s.EvidenceAvailable))
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "UNAVAILABLE (check call-log permission)"
}
