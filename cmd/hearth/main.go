// Command hearth is a small RFC 2131/2132 DHCPv4 server for homelab
// networks: UDP listener, lease engine, sqlite-backed lease store, and a
// management API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "hearth",
		Short:        "hearth is a DHCPv4 server with durable leases",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to configuration file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateConfigCommand())
	rootCmd.AddCommand(newLeasesCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
