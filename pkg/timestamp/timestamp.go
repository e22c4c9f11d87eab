// Package timestamp is a monotonic clock for instrumentation.
//
// A Source produces Stamps in opaque ticks. When a high-resolution clock is
// available ticks are nanoseconds; otherwise a 32-bit interval clock is
// extended with a rollover counter. Stamps from different process runs are
// not comparable; ProcessCreation anchors a run to the process start.
package timestamp

import (
	"math"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// RestartEnv marks a process started by a restart of the same application.
// ProcessCreation then anchors to the first stamp instead of the OS start
// time, which would belong to the previous run.
const RestartEnv = "SHM_APP_RESTART"

// DefaultIntervalTicksPerSecond is the rate of the default fallback clock.
const DefaultIntervalTicksPerSecond = 100000

// Stamp is a point on a Source's clock. The zero Stamp is null.
type Stamp struct {
	ticks uint64
}

// IsNull reports whether s was never set.
func (s Stamp) IsNull() bool { return s.ticks == 0 }

// Sub returns s-o.
func (s Stamp) Sub(o Stamp) Duration { return Duration(int64(s.ticks - o.ticks)) }

// Add returns s+d.
func (s Stamp) Add(d Duration) Stamp { return Stamp{ticks: s.ticks + uint64(d)} }

// Before reports whether s is earlier than o.
func (s Stamp) Before(o Stamp) bool { return s.ticks < o.ticks }

// Ticks returns the raw tick value.
func (s Stamp) Ticks() uint64 { return s.ticks }

// Duration is a signed tick count of the Source that produced it.
type Duration int64

// Options configures a Source.
type Options struct {
	// DisableHighResolution forces the interval clock.
	DisableHighResolution bool
	// Interval is the 32-bit wrapping fallback clock.
	Interval func() uint32
	// IntervalTicksPerSecond is the rate of Interval.
	IntervalTicksPerSecond uint64
	// ProcessUptime reports how long the process has been running.
	ProcessUptime func() (time.Duration, error)
	// Restarted marks a restarted application, see RestartEnv.
	Restarted bool
	Logger    *zap.Logger
}

// Source is a process-local monotonic clock.
type Source struct {
	log      *zap.Logger
	hires    bool
	tps      uint64
	interval func() uint32
	uptime   func() (time.Duration, error)
	restart  bool

	mu       sync.Mutex
	rollover uint64
	last     uint32

	first Stamp

	creationOnce sync.Once
	creation     Stamp
	inconsistent bool
}

// NewSource returns a clock configured by opts.
func NewSource(opts Options) *Source {
	s := &Source{
		log:      opts.Logger,
		interval: opts.Interval,
		uptime:   opts.ProcessUptime,
		restart:  opts.Restarted || os.Getenv(RestartEnv) != "",
		rollover: 1,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.uptime == nil {
		s.uptime = processUptime
	}
	if _, ok := hiresNow(); ok && !opts.DisableHighResolution {
		s.hires = true
		s.tps = uint64(time.Second)
	} else {
		s.tps = opts.IntervalTicksPerSecond
		if s.interval == nil {
			s.interval = defaultInterval()
			s.tps = DefaultIntervalTicksPerSecond
		}
		if s.tps == 0 {
			s.tps = DefaultIntervalTicksPerSecond
		}
	}
	s.first = s.Now()
	return s
}

func defaultInterval() func() uint32 {
	base := time.Now()
	tick := time.Second / DefaultIntervalTicksPerSecond
	return func() uint32 { return uint32(time.Since(base) / tick) }
}

// Now returns the current stamp. It never returns a null Stamp.
func (s *Source) Now() Stamp {
	if s.hires {
		ns, _ := hiresNow()
		if ns == 0 {
			ns = 1
		}
		return Stamp{ticks: ns}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.interval()
	if now < s.last {
		s.rollover++
	}
	s.last = now
	return Stamp{ticks: s.rollover<<32 + uint64(now)}
}

// HighResolution reports whether the high-resolution clock backs s.
func (s *Source) HighResolution() bool { return s.hires }

// TicksPerSecond returns the tick rate.
func (s *Source) TicksPerSecond() uint64 { return s.tps }

// First returns the stamp taken when s was created.
func (s *Source) First() Stamp { return s.first }

// Since returns the ticks elapsed since t.
func (s *Source) Since(t Stamp) Duration { return s.Now().Sub(t) }

// ToSeconds converts d to seconds.
func (s *Source) ToSeconds(d Duration) float64 { return float64(d) / float64(s.tps) }

// ToDuration converts d to a time.Duration.
func (s *Source) ToDuration(d Duration) time.Duration {
	return time.Duration(s.ToSeconds(d) * float64(time.Second))
}

// FromMilliseconds converts ms to ticks, saturating at the int64 range.
func (s *Source) FromMilliseconds(ms float64) Duration {
	v := ms * float64(s.tps) / 1000
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return Duration(math.MaxInt64)
	case v <= math.MinInt64:
		return Duration(math.MinInt64)
	}
	return Duration(v)
}

// Resolution returns the smallest duration the clock can tell apart.
func (s *Source) Resolution() Duration {
	if s.hires {
		if r := hiresResolution(); r > 0 {
			return Duration(r)
		}
	}
	return 1
}

// ProcessCreation returns the stamp at which the process started. The
// value is computed once. inconsistent is set when the OS start time could
// not be read or lies after the first stamp; the first stamp is returned
// instead.
func (s *Source) ProcessCreation() (Stamp, bool) {
	s.creationOnce.Do(func() {
		if s.restart {
			s.creation = s.first
			return
		}
		now := s.Now()
		up, err := s.uptime()
		ticks := uint64(up.Seconds() * float64(s.tps))
		if err != nil || up <= 0 || ticks >= now.ticks {
			s.log.Debug("process uptime unusable", zap.Duration("uptime", up), zap.Error(err))
			s.creation, s.inconsistent = s.first, true
			return
		}
		ts := Stamp{ticks: now.ticks - ticks}
		if s.first.Before(ts) {
			s.creation, s.inconsistent = s.first, true
			return
		}
		s.creation = ts
	})
	return s.creation, s.inconsistent
}

// RecordProcessRestart marks the environment so that a relaunched child of
// this process anchors ProcessCreation to its first stamp.
func RecordProcessRestart() error {
	return os.Setenv(RestartEnv, "1")
}

func processUptime() (time.Duration, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	ms, err := p.CreateTime()
	if err != nil {
		return 0, err
	}
	return time.Since(time.UnixMilli(ms)), nil
}
