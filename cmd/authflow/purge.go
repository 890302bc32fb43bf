package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/store/pgstore"
)

// NewPurgeCmd creates the purge subcommand. Redis expires rows through key
// TTLs, so only the PostgreSQL store needs a hygiene pass.
func NewPurgeCmd(root *rootOptions) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired blacklist, token, challenge and attempt rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := resolveDSN(dsn)
			if err != nil {
				return err
			}
			logger, err := root.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := authflow.ConfigFromEnv()
			if err != nil {
				return oops.Code("CONFIG_INVALID").Wrap(err)
			}
			ctx := cmd.Context()
			st, err := pgstore.Open(ctx, conn)
			if err != nil {
				return err
			}
			defer st.Close()

			engine, err := authflow.New().
				WithConfig(cfg).
				WithStore(st).
				WithLogger(logger).
				Build()
			if err != nil {
				return oops.Code("ENGINE_BUILD_FAILED").Wrap(err)
			}
			defer engine.Close()

			stats, err := engine.Purge(ctx)
			if err != nil {
				return err
			}
			logger.Info("purge complete",
				zap.Int("blacklist", stats.Blacklist),
				zap.Int("token_records", stats.TokenRecords),
				zap.Int("challenges", stats.Challenges),
				zap.Int("attempts", stats.Attempts),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (default $"+dsnEnv+")")
	return cmd
}
