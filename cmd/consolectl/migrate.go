package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tenantly.dev/internal/config"
	"tenantly.dev/internal/persist"
)

// newMigrateCmd manages the schema of the postgres session store.
func newMigrateCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate <up|down|status>",
		Short:     "Manage the postgres session store schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.config)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate needs store.driver=postgres, got %q", cfg.Store.Driver)
			}
			pg, err := persist.OpenPostgres(cfg.Store.DSN, cfg.Store.Profile)
			if err != nil {
				return err
			}
			defer pg.Close()

			mgr := persist.Migrator(pg.DB())
			out := cmd.OutOrStdout()
			switch args[0] {
			case "up":
				applied, err := mgr.Up(cmd.Context())
				for _, name := range applied {
					fmt.Fprintf(out, "applied %s\n", name)
				}
				if err == nil && len(applied) == 0 {
					fmt.Fprintln(out, "up to date")
				}
				return err
			case "down":
				name, err := mgr.Down(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "reverted %s\n", name)
				return nil
			default:
				history, err := mgr.Status(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range history {
					fmt.Fprintln(out, name)
				}
				return nil
			}
		},
	}
	return cmd
}
