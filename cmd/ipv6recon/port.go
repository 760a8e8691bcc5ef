package main

import (
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"ipv6recon/internal/core/scanner/port"
	"ipv6recon/internal/core/target"
)

func newPortCmd() *cobra.Command {
	var targetSpec, srcSpec, portSpec string

	cmd := &cobra.Command{
		Use:   "port",
		Short: "TCP SYN scan a target's ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := netip.ParseAddr(srcSpec)
			if err != nil {
				return fmt.Errorf("--src: %w", err)
			}
			dst, err := netip.ParseAddr(targetSpec)
			if err != nil {
				return fmt.Errorf("--target: %w", err)
			}
			ports, err := target.ParsePorts(portSpec)
			if err != nil {
				return err
			}

			results, err := port.Scan(cmd.Context(), src, dst, ports, cfg.Scan.Interface, engineConfig())
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}

	cmd.Flags().StringVarP(&targetSpec, "target", "t", "", "target address")
	cmd.Flags().StringVar(&srcSpec, "src", "", "source address to probe from")
	cmd.Flags().StringVarP(&portSpec, "ports", "p", "1-1024", "ports: N or N-M, comma-separated")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("src")
	return cmd
}
