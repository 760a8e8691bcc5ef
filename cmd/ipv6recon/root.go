package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ipv6recon/internal/config"
	"ipv6recon/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config

	flagIface    string
	flagRetry    int
	flagInterval int
	flagTimewait int
)

var rootCmd = &cobra.Command{
	Use:   "ipv6recon",
	Short: "IPv6 network reconnaissance toolkit",
	Long: `ipv6recon probes an IPv6 network: host liveness, TCP SYN port
scanning, traceroute, Nmap-style OS fingerprinting, recursive PTR-zone
DNS crawling, and DHCPv6 service/pool discovery.

Examples:
  ipv6recon host --src 2001:db8::100 -t 2001:db8::1,2001:db8::/120
  ipv6recon port --src 2001:db8::100 -t 2001:db8::1 -p 22,80,443,1-1024
  ipv6recon trace --src 2001:db8::100 -t 2001:db8::1
`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initAll(cmd)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "path to config file (default: none, built-in defaults apply)")
	pf.StringVar(&flagIface, "iface", "", "network interface to bind (default: kernel routing)")
	pf.IntVar(&flagRetry, "retry", 0, "probe retries (0: use config default)")
	pf.IntVar(&flagInterval, "interval-ms", 0, "milliseconds between probes in a batch (0: use config default)")
	pf.IntVar(&flagTimewait, "timewait-ms", 0, "milliseconds to wait between retries (0: use config default)")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	viper.BindPFlag("log.level", pf.Lookup("log-level"))

	rootCmd.AddCommand(newHostCmd())
	rootCmd.AddCommand(newPortCmd())
	rootCmd.AddCommand(newTraceCmd())
	rootCmd.AddCommand(newOSCmd())
	rootCmd.AddCommand(newDNSCmd())
	rootCmd.AddCommand(newDHCPCmd())
}

func initAll(cmd *cobra.Command) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}

	if flag := cmd.Flags().Lookup("log-level"); flag != nil && flag.Changed {
		cfg.Log.Level = flag.Value.String()
	}
	if err := logger.Init(&cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if flagIface != "" {
		cfg.Scan.Interface = flagIface
	}
	if flagRetry > 0 {
		cfg.Scan.Retry = flagRetry
	}
	if flagInterval > 0 {
		cfg.Scan.Interval = time.Duration(flagInterval) * time.Millisecond
	}
	if flagTimewait > 0 {
		cfg.Scan.Timewait = time.Duration(flagTimewait) * time.Millisecond
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
