package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/hearth/internal/config"
)

func newValidateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}

			fmt.Printf("Configuration %s is valid\n", configPath)
			fmt.Printf("  Server IP:   %s\n", cfg.ServerIP)
			fmt.Printf("  Subnet Mask: %s\n", cfg.SubnetMask)
			fmt.Printf("  Gateway:     %s\n", cfg.Gateway)
			fmt.Printf("  DNS Servers: %v\n", cfg.DNSServers)
			fmt.Printf("  IP Pool:     %s - %s\n", cfg.IPPoolStart, cfg.IPPoolEnd)
			fmt.Printf("  Lease Time:  %ds\n", cfg.LeaseTime)
			fmt.Printf("  Offer TTL:   %ds\n", cfg.OfferTTL)
			if len(cfg.Reservations) > 0 {
				fmt.Printf("  Reservations:\n")
				for _, res := range cfg.Reservations {
					fmt.Printf("    %s -> %s\n", res.MAC, res.IP)
				}
			}
			return nil
		},
	}
}
