package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webportal/mailqueue/pkg/config"
	"github.com/webportal/mailqueue/pkg/store/postgres"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(newMigrateUpCommand(), newMigrateDownCommand(), newMigrateVersionCommand())
	return cmd
}

func databaseURL(cmd *cobra.Command) (*runtimeState, string, error) {
	rt, err := getRuntime(cmd)
	if err != nil {
		return nil, "", err
	}
	cfg, err := rt.Config()
	if err != nil {
		return nil, "", err
	}
	if cfg.Database.Store != config.StorePostgres {
		return nil, "", errors.New("migrations require database.store postgres")
	}
	return rt, cfg.Database.URL, nil
}

func newMigrateUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, url, err := databaseURL(cmd)
			if err != nil {
				return err
			}
			zl, err := rt.Logger()
			if err != nil {
				return err
			}
			return postgres.Migrate(url, zl.Sugar())
		},
	}
}

func newMigrateDownCommand() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, url, err := databaseURL(cmd)
			if err != nil {
				return err
			}
			zl, err := rt.Logger()
			if err != nil {
				return err
			}
			return postgres.MigrateDown(url, steps, zl.Sugar())
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

func newMigrateVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, url, err := databaseURL(cmd)
			if err != nil {
				return err
			}
			zl, err := rt.Logger()
			if err != nil {
				return err
			}
			v, dirty, err := postgres.MigrationVersion(url, zl.Sugar())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(rt.Writer(), "version %d (dirty: %t)\n", v, dirty)
			return nil
		},
	}
}
