//go:build unix

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/srediag/shmtransport/internal/config"
)

var (
	version = "dev"

	// set by the root PersistentPreRunE
	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "shmctl",
	Short: "Share picture buffers between processes over shared memory",
	Long: `shmctl runs a broker that answers buffer requests with shared memory
regions passed over a unix socket, fetches buffers from such a broker and
reports on the process clock.

Settings come from SHM_* environment variables; flags override them.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return err
		}
		l, err := c.Logger()
		if err != nil {
			return err
		}
		cfg, log = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
