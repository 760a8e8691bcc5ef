package main

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/spf13/cobra"

	"ipv6recon/internal/core/scanner/dhcp"
)

func newDHCPCmd() *cobra.Command {
	var serverSpec, linkSpec, peerSpec, macSpec string

	cmd := &cobra.Command{
		Use:   "dhcp",
		Short: "Probe a DHCPv6 server via a relay envelope for stateful/stateless service",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := netip.ParseAddr(serverSpec)
			if err != nil {
				return fmt.Errorf("--server: %w", err)
			}
			linkAddr, err := netip.ParseAddr(linkSpec)
			if err != nil {
				return fmt.Errorf("--link-addr: %w", err)
			}
			peerAddr, err := netip.ParseAddr(peerSpec)
			if err != nil {
				return fmt.Errorf("--peer-addr: %w", err)
			}
			mac, err := net.ParseMAC(macSpec)
			if err != nil {
				return fmt.Errorf("--mac: %w", err)
			}

			info, err := dhcp.Run(cmd.Context(), server, linkAddr, peerAddr, mac, cfg.Scan.Interface, engineConfig(), dhcp.Options{})
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}

	cmd.Flags().StringVar(&serverSpec, "server", "", "DHCPv6 server (or relay-aware server) address")
	cmd.Flags().StringVar(&linkSpec, "link-addr", "::", "relay Link-Address field")
	cmd.Flags().StringVar(&peerSpec, "peer-addr", "", "relay Peer-Address field (the client's link-local address)")
	cmd.Flags().StringVar(&macSpec, "mac", "", "client MAC address for DUID-LL")
	cmd.MarkFlagRequired("server")
	cmd.MarkFlagRequired("peer-addr")
	cmd.MarkFlagRequired("mac")
	return cmd
}
