//go:build unix

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/shmtransport/internal/broker"
	"github.com/srediag/shmtransport/pkg/health"
	"github.com/srediag/shmtransport/pkg/shm"
	"github.com/srediag/shmtransport/pkg/transport"
)

var (
	serveSocket  string
	serveHTTP    string
	serveWorkers int
)

func init() {
	cmd := newServeCmd()
	cmd.Flags().StringVar(&serveSocket, "socket", "", "Unix socket to listen on (SHM_SOCKET)")
	cmd.Flags().StringVar(&serveHTTP, "http", "", "Address for /metrics, /live and /ready (SHM_HTTP_ADDR), \"-\" disables")
	cmd.Flags().IntVar(&serveWorkers, "workers", 0, "Connections served at once (SHM_WORKERS)")
	rootCmd.AddCommand(cmd)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer buffer requests on a unix socket",
		Long: `The serve command listens on a unix seqpacket socket. Every request
for a width x height buffer is answered with a freshly allocated anonymous
region, painted and handed to the requesting process.

Example:
  shmctl serve --socket /tmp/shm.sock --http 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	socket := firstNonEmpty(serveSocket, cfg.Server.Socket)
	addr := firstNonEmpty(serveHTTP, cfg.Server.HTTPAddr)
	workers := serveWorkers
	if workers <= 0 {
		workers = cfg.Server.Workers
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	region := cfg.ShmConfig(log)
	region.Metrics = shm.NewMetrics(reg)

	b, err := broker.New(broker.Config{Region: region, Workers: workers, Logger: log})
	if err != nil {
		return err
	}
	defer b.Close()

	ln, err := transport.Listen(socket, transport.Config{Logger: log})
	if err != nil {
		return err
	}
	log.Info("serving", zap.String("socket", socket), zap.String("http", addr), zap.Int("workers", workers))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Serve(ctx, ln) })
	if addr != "-" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		hc := health.New(health.Config{Region: region, Registry: reg})
		mux.HandleFunc("/live", hc.LiveEndpoint)
		mux.HandleFunc("/ready", hc.ReadyEndpoint)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	return g.Wait()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
