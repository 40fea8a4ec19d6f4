package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// controlAddr is the daemon's control-channel address (host:port).
	controlAddr string

	// dataAddr is the daemon's RDMA data-plane address (host:port).
	dataAddr string

	// deviceName is the local network interface to pin RDMA buffers on.
	deviceName string

	// timeout bounds how long a single request command waits for the
	// full request/transfer/acknowledge round trip.
	timeout time.Duration
)

// rootCmd is the top-level cobra command for rdmactl.
var rootCmd = &cobra.Command{
	Use:   "rdmactl",
	Short: "CLI client for the rdmarun daemon",
	Long:  "rdmactl drives the rdmarun control-channel session protocol to request endpoint processing against a running rdmad daemon.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&controlAddr, "control-addr", "localhost:41007",
		"rdmad control-channel address (host:port)")
	rootCmd.PersistentFlags().StringVar(&dataAddr, "data-addr", "localhost:41008",
		"rdmad RDMA data-plane address (host:port)")
	rootCmd.PersistentFlags().StringVar(&deviceName, "device", "",
		"local network interface to pin RDMA buffers on (required)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"deadline for the full connect/request/transfer/acknowledge round trip")

	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
