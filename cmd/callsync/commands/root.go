package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/callsync/callsync/pkg/config"
	"github.com/callsync/callsync/pkg/localapi"
)

// defaultAddr is used by client commands when neither --addr nor a config
// file names the agent.
const defaultAddr = "127.0.0.1:8787"

var (
	// Global flags
	configPath string
	agentAddr  string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "callsync",
		Short: "callsync - call command reconciliation agent",
		Long: `callsync places calls commanded by a remote workflow system, works out
what happened to each one from the device call log, and reports the
outcome back exactly once.

Run "callsync agent" on the device. The other commands talk to a running
agent over its local API.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().StringVar(&agentAddr, "addr", "", "agent local API address (default from config, then "+defaultAddr+")")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newAgentCommand(version))
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newWakeCommand())
	rootCmd.AddCommand(newModeCommand())
	rootCmd.AddCommand(newDialCommand())
	rootCmd.AddCommand(newCallCommand())
	rootCmd.AddCommand(newDeadCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// apiClient returns a client for the running agent.
func apiClient() (*localapi.Client, error) {
	addr, err := resolveAddr()
	if err != nil {
		return nil, err
	}
	return localapi.NewClient(addr, nil), nil
}

func resolveAddr() (string, error) {
	if agentAddr != "" {
		return agentAddr, nil
	}
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", err
		}
		if cfg.Listen.Addr == "" {
			return "", fmt.Errorf("local API is disabled in %s; pass --addr", configPath)
		}
		return cfg.Listen.Addr, nil
	}
	return defaultAddr, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// output prints v to the command's output as JSON when --json is set and
// otherwise calls human.
func output(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(w, v)
	}
	human(w)
	return nil
}
