package main

import (
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"ipv6recon/internal/core/scanner/traceroute"
)

func newTraceCmd() *cobra.Command {
	var targetSpec, srcSpec, variantSpec string
	var targetPort, limit int

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Traceroute a target using hop-limited probes (icmp, dns, syn, or dhcp)",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := netip.ParseAddr(srcSpec)
			if err != nil {
				return fmt.Errorf("--src: %w", err)
			}
			dst, err := netip.ParseAddr(targetSpec)
			if err != nil {
				return fmt.Errorf("--target: %w", err)
			}
			variant := traceroute.Variant(variantSpec)

			hops, err := traceroute.Scan(cmd.Context(), variant, src, dst, targetPort, cfg.Scan.Interface, limit, engineConfig())
			if err != nil {
				return err
			}
			return printJSON(hops)
		},
	}

	cmd.Flags().StringVarP(&targetSpec, "target", "t", "", "target address")
	cmd.Flags().StringVar(&srcSpec, "src", "", "source address to probe from")
	cmd.Flags().StringVar(&variantSpec, "variant", "icmp", "probe variant: icmp, dns, syn, or dhcp")
	cmd.Flags().IntVar(&targetPort, "port", 0, "target port for the dns/syn variants (default 53/80)")
	cmd.Flags().IntVar(&limit, "limit", 16, "maximum hops to probe")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("src")
	return cmd
}
