package main

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"ipv6recon/internal/core/engine"
	"ipv6recon/internal/core/scanner/host"
	"ipv6recon/internal/core/target"
	"ipv6recon/internal/logger"
)

func newHostCmd() *cobra.Command {
	var targetSpec, srcSpec string

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Probe targets for liveness with ICMPv6 echo",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := netip.ParseAddr(srcSpec)
			if err != nil {
				return fmt.Errorf("--src: %w", err)
			}
			targets, err := target.Expand(targetSpec)
			if err != nil {
				return err
			}

			results, err := host.Scan(cmd.Context(), src, targets, cfg.Scan.Interface, engineConfig())
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}

	cmd.Flags().StringVarP(&targetSpec, "target", "t", "", "targets: CIDR, address range, hostname, or comma-separated list")
	cmd.Flags().StringVar(&srcSpec, "src", "", "source address to probe from")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("src")
	return cmd
}

func engineConfig() engine.Config {
	return engine.Config{
		Retry:    cfg.Scan.Retry,
		Interval: cfg.Scan.Interval,
		Timewait: cfg.Scan.Timewait,
	}
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.L().WithError(err).Error("marshal result")
		return err
	}
	fmt.Println(string(b))
	return nil
}
