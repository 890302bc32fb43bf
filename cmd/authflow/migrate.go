package main

import (
	"github.com/caarlos0/env/v11"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/authflow/store/pgstore"
)

const dsnEnv = "AUTHFLOW_POSTGRES_DSN"

// cliEnv holds CLI settings that fall back to the environment.
type cliEnv struct {
	PostgresDSN string `env:"AUTHFLOW_POSTGRES_DSN"`
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := resolveDSN(dsn)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			cmd.Println("Running migrations...")
			if err := pgstore.Migrate(ctx, conn); err != nil {
				return oops.Code("MIGRATION_FAILED").Wrap(err)
			}
			v, err := pgstore.MigrationVersion(ctx, conn)
			if err != nil {
				return err
			}
			cmd.Printf("Schema at version %d\n", v)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (default $"+dsnEnv+")")
	return cmd
}

func resolveDSN(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	var cfg cliEnv
	if err := env.Parse(&cfg); err != nil {
		return "", oops.Code("CONFIG_INVALID").Wrap(err)
	}
	if cfg.PostgresDSN != "" {
		return cfg.PostgresDSN, nil
	}
	return "", oops.Code("CONFIG_INVALID").Errorf("--dsn or %s is required", dsnEnv)
}
