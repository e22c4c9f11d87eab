package shm

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/srediag/shmtransport/internal/tracing"
)

const (
	// DefaultNamespace prefixes every named region and lock file.
	DefaultNamespace = "shmtransport"
	// DefaultDir is the shm filesystem holding named regions.
	DefaultDir = "/dev/shm"

	lockSuffix    = ".lock"
	maxNameLength = 200
)

// Config holds the settings shared by regions. The zero value is usable.
type Config struct {
	// Namespace is prepended to region names, "<namespace>.<name>".
	Namespace string
	// Dir holds named regions and their lock files.
	Dir string
	// MinFreeBytes is kept free on Dir when creating named regions.
	MinFreeBytes uint64

	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	// Metrics is optional; share one instance between regions.
	Metrics *Metrics

	telemetry *tracing.Telemetry
}

// withDefaults fills unset fields. Telemetry is built once per Config value
// passed through it.
func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Dir == "" {
		c.Dir = DefaultDir
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.telemetry == nil {
		c.telemetry = tracing.New(c.TracerProvider, c.MeterProvider)
	}
	return c
}

// Path returns the file backing the named region name.
func (c Config) Path(name string) string {
	dir, ns := c.Dir, c.Namespace
	if dir == "" {
		dir = DefaultDir
	}
	if ns == "" {
		ns = DefaultNamespace
	}
	return filepath.Join(dir, ns+"."+name)
}

// LockPath returns the lock file paired with the named region name.
func (c Config) LockPath(name string) string {
	return c.Path(name) + lockSuffix
}

func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty name")
	case len(name) > maxNameLength:
		return fmt.Errorf("name longer than %d bytes", maxNameLength)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("name %q contains a path separator or NUL", name)
	case strings.HasSuffix(name, lockSuffix):
		return fmt.Errorf("name %q uses the reserved %s suffix", name, lockSuffix)
	}
	return nil
}
