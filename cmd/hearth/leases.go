package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/hearth/internal/config"
	"github.com/jbweber/homelab/hearth/internal/repository"
)

func newLeasesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "leases",
		Short: "Print the persisted lease table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			db, err := cfg.InitializeDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			store := repository.NewLeaseRepository(db)
			leases, err := store.FindAll(context.Background())
			if err != nil {
				return err
			}

			if len(leases) == 0 {
				fmt.Println("No leases")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IP\tMAC\tCLIENT\tSTATE\tEXPIRES")
			now := time.Now()
			for _, l := range leases {
				remaining := "expired"
				if !l.ExpiredAt(now) {
					remaining = time.Until(l.Expiry()).Round(time.Second).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					l.IPAddress, l.MAC, l.ClientID, l.State, remaining)
			}
			return w.Flush()
		},
	}
}
