package main

import (
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"ipv6recon/internal/core/scanner/osfingerprint"
)

func newOSCmd() *cobra.Command {
	var targetSpec, srcSpec string
	var openPort, closedPort int

	cmd := &cobra.Command{
		Use:   "os",
		Short: "Collect Nmap-style OS fingerprinting probe replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := netip.ParseAddr(srcSpec)
			if err != nil {
				return fmt.Errorf("--src: %w", err)
			}
			dst, err := netip.ParseAddr(targetSpec)
			if err != nil {
				return fmt.Errorf("--target: %w", err)
			}
			if cfg.Scan.Interface == "" {
				return fmt.Errorf("os fingerprinting requires --iface (capture transport has no default)")
			}

			filterExpr := fmt.Sprintf("ip6 and host %s", dst)
			results, err := osfingerprint.Scan(cmd.Context(), src, dst, openPort, closedPort, cfg.Scan.Interface, filterExpr, engineConfig())
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}

	cmd.Flags().StringVarP(&targetSpec, "target", "t", "", "target address")
	cmd.Flags().StringVar(&srcSpec, "src", "", "source address to probe from")
	cmd.Flags().IntVar(&openPort, "open-port", 0, "a TCP port known to be open on the target")
	cmd.Flags().IntVar(&closedPort, "closed-port", 0, "a TCP port known to be closed on the target")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("src")
	cmd.MarkFlagRequired("open-port")
	cmd.MarkFlagRequired("closed-port")
	return cmd
}
