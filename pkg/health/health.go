// Package health exposes liveness and readiness probes for a process that
// shares memory regions.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/srediag/shmtransport/pkg/shm"
)

const (
	probeSize        = 4096
	defaultTimeout   = time.Second
	maxGoroutines    = 10000
	metricsNamespace = "shmtransport"
)

// Config configures the probe handler.
type Config struct {
	Region shm.Config
	// Registry receives the probe status gauges. Nil disables them.
	Registry prometheus.Registerer
	// Timeout bounds each readiness check.
	Timeout time.Duration
}

// New returns an http.Handler serving /live and /ready.
func New(cfg Config) healthcheck.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	var h healthcheck.Handler
	if cfg.Registry != nil {
		h = healthcheck.NewMetricsHandler(cfg.Registry, metricsNamespace)
	} else {
		h = healthcheck.NewHandler()
	}
	dir := cfg.Region.Dir
	if dir == "" {
		dir = shm.DefaultDir
	}
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	h.AddReadinessCheck("shm-dir", healthcheck.Timeout(DirCheck(dir, cfg.Region.MinFreeBytes), cfg.Timeout))
	h.AddReadinessCheck("memfd", healthcheck.Timeout(RegionCheck(cfg.Region), cfg.Timeout))
	return h
}

// DirCheck fails when dir cannot be inspected or has less than minFree
// bytes available.
func DirCheck(dir string, minFree uint64) healthcheck.Check {
	return func() error {
		u, err := disk.Usage(dir)
		if err != nil {
			return fmt.Errorf("usage of %s: %w", dir, err)
		}
		if u.Free < minFree {
			return fmt.Errorf("%s has %d bytes free, want %d", dir, u.Free, minFree)
		}
		return nil
	}
}

// RegionCheck allocates, maps and releases a small anonymous region.
func RegionCheck(cfg shm.Config) healthcheck.Check {
	return func() error {
		r := shm.NewRegion(cfg)
		defer r.Close()
		if err := r.Create(context.Background(), "", shm.ReadWrite, false, probeSize); err != nil {
			return err
		}
		if err := r.Map(0); err != nil {
			return err
		}
		mem := r.Bytes()
		mem[0] = 1
		if mem[0] != 1 {
			return fmt.Errorf("mapped memory did not retain a write")
		}
		return nil
	}
}
