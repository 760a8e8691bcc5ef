package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ipv6recon/internal/core/scanner/dnszone"
)

func newDNSCmd() *cobra.Command {
	var zone, resolver string
	var maxDepth int
	var tcp, autogen bool
	var timewait time.Duration

	cmd := &cobra.Command{
		Use:   "dns",
		Short: "Crawl an ip6.arpa PTR zone, recording only full-depth names",
		RunE: func(cmd *cobra.Command, args []string) error {
			if resolver == "" {
				return fmt.Errorf("--resolver is required")
			}
			results, err := dnszone.Crawl(dnszone.Config{
				Resolver: resolver,
				RootZone: zone,
				Limit:    maxDepth,
				Timewait: timewait,
				TCP:      tcp,
				Autogen:  autogen,
			})
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}

	cmd.Flags().StringVarP(&zone, "zone", "z", "", "root ip6.arpa zone to crawl")
	cmd.Flags().StringVar(&resolver, "resolver", "", "resolver address (host:port)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 4, "nibble depth: names with this many nibble labels before ip6.arpa. are recorded (1-16)")
	cmd.Flags().BoolVar(&tcp, "tcp", false, "use TCP instead of UDP for queries")
	cmd.Flags().BoolVar(&autogen, "autogen-check", false, "pre-check for an autogenerated zone before crawling")
	cmd.Flags().DurationVar(&timewait, "timewait", time.Second, "per-query timeout")
	cmd.MarkFlagRequired("zone")
	cmd.MarkFlagRequired("resolver")
	return cmd
}
