package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/callsync/callsync/pkg/config"
	"github.com/callsync/callsync/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply store schema migrations",
		Long: `Apply pending schema migrations to the SQLite or PostgreSQL store and
print the resulting schema version. The agent also migrates on start;
run this to upgrade a store ahead of a rollout.`,
		Example: `  callsync migrate -c agent.yaml
  callsync migrate --dsn postgres://callsync@db/callsync?sslmode=disable`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				if configPath == "" {
					return fmt.Errorf("migrate requires --dsn or --config")
				}
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				dsn = cfg.Store.DSN
			}

			storeCfg, memory, err := stores.ParseDSN(dsn)
			if err != nil {
				return err
			}
			if memory {
				return fmt.Errorf("the in-memory store has no schema to migrate")
			}

			log.Info().Str("dialect", string(storeCfg.Dialect)).Msg("Migrating store")

			store, err := stores.OpenSQL(cmd.Context(), storeCfg)
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			result := map[string]any{
				"dialect": storeCfg.Dialect,
				"version": version,
				"dirty":   dirty,
			}
			return output(cmd, result, func(w io.Writer) {
				fmt.Fprintf(w, "Store schema at version %d (%s)\n", version, storeCfg.Dialect)
				if dirty {
					fmt.Fprintln(w, "WARNING: the last migration failed part-way; fix the schema and force the version")
				}
			})
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "store DSN (default from config)")

	return cmd
}
