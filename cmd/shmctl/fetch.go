//go:build unix

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/cobra"

	"github.com/srediag/shmtransport/internal/broker"
	"github.com/srediag/shmtransport/pkg/transport"
)

type fetchOptions struct {
	socket      string
	width       uint32
	height      uint32
	transparent bool
	count       int
	timeout     time.Duration
}

var fetchOpts fetchOptions

func init() {
	cmd := newFetchCmd()
	cmd.Flags().StringVar(&fetchOpts.socket, "socket", "", "Broker socket (SHM_SOCKET)")
	cmd.Flags().Uint32Var(&fetchOpts.width, "width", 64, "Picture width in pixels")
	cmd.Flags().Uint32Var(&fetchOpts.height, "height", 32, "Picture height in pixels")
	cmd.Flags().BoolVar(&fetchOpts.transparent, "transparent", false, "Request a transparent picture")
	cmd.Flags().IntVar(&fetchOpts.count, "count", 1, "Number of buffers to fetch")
	cmd.Flags().DurationVar(&fetchOpts.timeout, "timeout", 5*time.Second, "Time allowed per buffer")
	rootCmd.AddCommand(cmd)
}

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Request buffers from a broker and print their checksums",
		Long: `The fetch command connects to a broker, requests buffers and prints,
for each one, its sequence, payload size, generation and an xxhash of the
payload.

Example:
  shmctl fetch --socket /tmp/shm.sock --width 640 --height 480 --count 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := fetchOpts
			opts.socket = firstNonEmpty(opts.socket, cfg.Server.Socket)
			return runFetch(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

func runFetch(ctx context.Context, out io.Writer, opts fetchOptions) error {
	conn, err := transport.Dial(ctx, opts.socket, transport.Config{Logger: log})
	if err != nil {
		return err
	}
	defer conn.Close()

	client := broker.NewClient(conn, cfg.ShmConfig(log), opts.count)
	defer client.Close()

	for i := 0; i < opts.count; i++ {
		fctx, cancel := context.WithTimeout(ctx, opts.timeout)
		buf, err := client.Fetch(fctx, opts.width, opts.height, opts.transparent)
		cancel()
		if err != nil {
			return fmt.Errorf("fetch %d: %w", i+1, err)
		}
		hdr := buf.Header()
		fmt.Fprintf(out, "seq=%d size=%dx%d payload=%d generation=%d xxhash=%016x\n",
			hdr.Sequence, hdr.Width, hdr.Height, buf.PayloadSize(), buf.Generation(), xxhash.Sum64(buf.Bits()))
	}
	return nil
}
