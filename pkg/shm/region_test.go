//go:build linux

package shm

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"
)

type RegionTestSuite struct {
	suite.Suite
	cfg Config
	ctx context.Context
}

func (s *RegionTestSuite) SetupTest() {
	s.cfg = Config{Namespace: "test", Dir: s.T().TempDir()}
	s.ctx = context.Background()
}

func (s *RegionTestSuite) region() *Region {
	r := NewRegion(s.cfg)
	s.T().Cleanup(func() { _ = r.Close() })
	return r
}

func (s *RegionTestSuite) TestCreateMapRoundTrip() {
	for _, name := range []string{"", "roundtrip"} {
		for _, size := range []int64{1, 4096, 65537} {
			r := s.region()
			s.Require().NoError(r.Create(s.ctx, name, ReadWrite, false, size))
			s.Equal(BoundUnmapped, r.State())
			s.Require().NoError(r.Map(0))
			s.Equal(BoundMapped, r.State())

			mem := r.Bytes()
			s.Require().Len(mem, int(size))
			for i := range mem {
				mem[i] = byte(i * 7)
			}
			for i := range mem {
				if mem[i] != byte(i*7) {
					s.FailNow("byte mismatch", "offset %d", i)
				}
			}
			s.Require().NoError(r.Close())
			if name != "" {
				s.Require().NoError(os.Remove(s.cfg.Path(name)))
			}
		}
	}
}

func (s *RegionTestSuite) TestReadOnlyMapping() {
	for _, name := range []string{"", "readonly"} {
		r := s.region()
		s.Require().NoError(r.Create(s.ctx, name, ReadOnly, false, 4096))
		err := r.MapMode(0, ReadWrite)
		s.True(errors.Is(err, ErrPermissionDenied), "%v", err)
		s.Require().NoError(r.MapMode(0, ReadOnly))
		s.Equal(make([]byte, 4096), r.Bytes())
	}
}

func (s *RegionTestSuite) TestCloseIdempotent() {
	r := s.region()
	s.NoError(r.Close())
	s.Require().NoError(r.Create(s.ctx, "", ReadWrite, false, 128))
	s.Require().NoError(r.Map(0))
	s.NoError(r.Close())
	s.NoError(r.Close())
	s.Equal(Unbound, r.State())
	s.Nil(r.Bytes())
	s.False(r.Handle().IsValid())
}

func (s *RegionTestSuite) TestShareNamedRegion() {
	r := s.region()
	s.Require().NoError(r.Create(s.ctx, "named", ReadWrite, false, 4096))
	_, err := r.ShareToProcess(s.ctx, CurrentProcess(), false)
	s.True(errors.Is(err, ErrInvalidTransfer), "%v", err)
	s.Equal(BoundUnmapped, r.State())
}

func (s *RegionTestSuite) TestShareInvalidTarget() {
	r := s.region()
	_, err := r.ShareToProcess(s.ctx, CurrentProcess(), false)
	s.True(errors.Is(err, ErrNotBound))

	s.Require().NoError(r.Create(s.ctx, "", ReadWrite, false, 4096))
	_, err = r.ShareToProcess(s.ctx, nil, false)
	s.True(errors.Is(err, ErrInvalidTransfer))
	_, err = r.ShareToProcess(s.ctx, &fakeTarget{pid: 0}, false)
	s.True(errors.Is(err, ErrInvalidTransfer))
}

func (s *RegionTestSuite) TestShareMoveScenario() {
	a := s.region()
	s.Require().NoError(a.Create(s.ctx, "", ReadWrite, false, 4096))
	s.Require().NoError(a.Map(0))
	copy(a.Bytes(), bytes.Repeat([]byte{0xAB}, 4096))

	h, err := a.ShareToProcess(s.ctx, CurrentProcess(), true)
	s.Require().NoError(err)
	s.Equal(Unbound, a.State())
	s.Equal(os.Getpid(), h.Target)
	s.Equal(int64(4096), h.Length)

	b := s.region()
	s.Require().NoError(b.Attach(s.ctx, h, ReadWrite))
	s.Equal(int64(4096), b.Len())
	s.Require().NoError(b.Map(0))
	s.Equal(bytes.Repeat([]byte{0xAB}, 4096), b.Bytes())
}

func (s *RegionTestSuite) TestShareKeepsOwner() {
	a := s.region()
	s.Require().NoError(a.Create(s.ctx, "", ReadWrite, false, 4096))
	s.Require().NoError(a.Map(0))

	h, err := a.ShareToProcess(s.ctx, CurrentProcess(), false)
	s.Require().NoError(err)
	s.Equal(BoundMapped, a.State())
	s.NotEqual(uint64(a.Handle().Fd()), h.Value)

	b := s.region()
	s.Require().NoError(b.Attach(s.ctx, h, ReadOnly))
	s.Require().NoError(b.Map(0))
	a.Bytes()[10] = 42
	s.Equal(byte(42), b.Bytes()[10])
}

func (s *RegionTestSuite) TestShareThroughTarget() {
	a := s.region()
	s.Require().NoError(a.Create(s.ctx, "", ReadOnly, false, 4096))
	target := &fakeTarget{pid: os.Getpid()}
	h, err := a.ShareToProcess(s.ctx, target, true)
	s.Require().NoError(err)
	s.Equal(1, target.calls)
	s.True(h.ReadOnly)
	s.Equal(Unbound, a.State())

	b := s.region()
	err = b.Attach(s.ctx, h, ReadWrite)
	s.True(errors.Is(err, ErrPermissionDenied), "%v", err)

	_, err = a.ShareToProcess(s.ctx, &fakeTarget{pid: 1, err: errors.New("boom")}, false)
	s.True(errors.Is(err, ErrNotBound))
}

func (s *RegionTestSuite) TestShareGiveFailure() {
	a := s.region()
	s.Require().NoError(a.Create(s.ctx, "", ReadWrite, false, 4096))
	_, err := a.ShareToProcess(s.ctx, &fakeTarget{pid: 1, err: errors.New("boom")}, false)
	s.True(errors.Is(err, ErrInvalidTransfer), "%v", err)
	s.Equal(BoundUnmapped, a.State())
}

func (s *RegionTestSuite) TestAttachErrors() {
	a := s.region()
	s.Require().NoError(a.Create(s.ctx, "", ReadWrite, false, 4096))
	h, err := a.ShareToProcess(s.ctx, CurrentProcess(), false)
	s.Require().NoError(err)

	b := s.region()
	wrong := h
	wrong.Target = os.Getpid() + 1
	s.True(errors.Is(b.Attach(s.ctx, wrong, ReadWrite), ErrInvalidTransfer))

	short := h
	short.Length = 100
	s.True(errors.Is(b.Attach(s.ctx, short, ReadWrite), ErrSizeMismatch))
	s.Equal(Unbound, b.State())

	stale := TransferredHandle{Target: os.Getpid(), Value: 1 << 20, Length: 4096}
	s.True(errors.Is(b.Attach(s.ctx, stale, ReadWrite), ErrNotFound))

	h, err = a.ShareToProcess(s.ctx, CurrentProcess(), false)
	s.Require().NoError(err)
	s.Require().NoError(b.Attach(s.ctx, h, ReadWrite))
	s.True(errors.Is(b.Attach(s.ctx, h, ReadWrite), ErrAlreadyBound))
}

func (s *RegionTestSuite) TestNameCollision() {
	a := s.region()
	s.Require().NoError(a.Create(s.ctx, "dup", ReadWrite, false, 4096))
	s.Require().NoError(a.Map(0))
	a.Bytes()[0] = 9

	b := s.region()
	err := b.Create(s.ctx, "dup", ReadWrite, false, 4096)
	s.True(errors.Is(err, ErrNameCollision), "%v", err)
	s.False(errors.Is(err, ErrAllocationFailure))

	s.Require().NoError(b.Create(s.ctx, "dup", ReadWrite, true, 1024))
	s.Equal(int64(1024), b.Len())
	s.Require().NoError(b.Map(0))
	s.Len(b.Bytes(), 1024)
	s.Equal(byte(9), b.Bytes()[0])

	c := s.region()
	err = c.Create(s.ctx, "dup", ReadWrite, true, 8192)
	s.True(errors.Is(err, ErrSizeMismatch), "%v", err)
	s.Equal(Unbound, c.State())
}

func (s *RegionTestSuite) TestCreateReuseWithoutFreeSpace() {
	a := s.region()
	s.Require().NoError(a.Create(s.ctx, "full", ReadWrite, false, 4096))

	full := s.cfg
	full.MinFreeBytes = 1 << 62

	b := NewRegion(full)
	s.T().Cleanup(func() { _ = b.Close() })
	s.Require().NoError(b.Create(s.ctx, "full", ReadWrite, true, 2048))
	s.Equal(int64(2048), b.Len())

	c := NewRegion(full)
	err := c.Create(s.ctx, "full", ReadWrite, false, 2048)
	s.True(errors.Is(err, ErrAllocationFailure), "%v", err)
	err = c.Create(s.ctx, "fresh", ReadWrite, true, 2048)
	s.True(errors.Is(err, ErrAllocationFailure), "%v", err)
	s.Equal(Unbound, c.State())
	s.NoFileExists(s.cfg.Path("fresh"))
}

func (s *RegionTestSuite) TestOpen() {
	r := s.region()
	s.True(errors.Is(r.Open(s.ctx, "missing", ReadOnly), ErrNotFound))

	ro := s.region()
	s.Require().NoError(ro.Create(s.ctx, "ro", ReadOnly, false, 4096))
	err := r.Open(s.ctx, "ro", ReadWrite)
	s.True(errors.Is(err, ErrPermissionDenied), "%v", err)
	s.Require().NoError(r.Open(s.ctx, "ro", ReadOnly))
	s.Equal("ro", r.Name())
	s.Equal(ReadOnly, r.Mode())
	s.Equal(int64(4096), r.Len())
}

func (s *RegionTestSuite) TestInvalidArguments() {
	r := s.region()
	s.True(errors.Is(r.Create(s.ctx, "", ReadWrite, false, 0), ErrInvalidArgument))
	s.True(errors.Is(r.Create(s.ctx, "a/b", ReadWrite, false, 1), ErrInvalidArgument))
	s.True(errors.Is(r.Create(s.ctx, "x.lock", ReadWrite, false, 1), ErrInvalidArgument))
	s.True(errors.Is(r.Open(s.ctx, "", ReadWrite), ErrInvalidArgument))

	s.Require().NoError(r.Create(s.ctx, "", ReadWrite, false, 64))
	s.True(errors.Is(r.Create(s.ctx, "", ReadWrite, false, 64), ErrAlreadyBound))
	s.True(errors.Is(r.Open(s.ctx, "x", ReadWrite), ErrAlreadyBound))
}

func (s *RegionTestSuite) TestMapRules() {
	r := s.region()
	s.True(errors.Is(r.Map(0), ErrNotBound))
	s.NoError(r.Unmap())

	s.Require().NoError(r.Create(s.ctx, "", ReadWrite, false, 4096))
	s.True(errors.Is(r.Map(4097), ErrInvalidArgument))
	s.True(errors.Is(r.Map(-1), ErrInvalidArgument))
	s.Require().NoError(r.Map(1024))
	s.Len(r.Bytes(), 1024)
	s.NoError(r.Map(1024))
	s.True(errors.Is(r.Map(0), ErrAlreadyBound))
	s.True(errors.Is(r.MapMode(1024, ReadOnly), ErrAlreadyBound))

	s.Require().NoError(r.Unmap())
	s.NoError(r.Unmap())
	s.Equal(BoundUnmapped, r.State())
	s.Require().NoError(r.Map(0))
	s.Len(r.Bytes(), 4096)
}

func (s *RegionTestSuite) TestNamedLock() {
	a := s.region()
	s.Require().NoError(a.Create(s.ctx, "locked", ReadWrite, false, 64))
	b := s.region()
	s.Require().NoError(b.Open(s.ctx, "locked", ReadWrite))

	s.NoError(a.Unlock())
	s.Require().NoError(a.Lock())
	s.FileExists(s.cfg.LockPath("locked"))
	s.assertBlocks(b, a)
}

func (s *RegionTestSuite) TestAnonymousLock() {
	a := s.region()
	s.Require().NoError(a.Create(s.ctx, "", ReadWrite, false, 64))
	h, err := a.ShareToProcess(s.ctx, CurrentProcess(), false)
	s.Require().NoError(err)
	b := s.region()
	s.Require().NoError(b.Attach(s.ctx, h, ReadWrite))

	s.Require().NoError(a.Lock())
	s.assertBlocks(b, a)

	// a region over different memory does not contend
	c := s.region()
	s.Require().NoError(c.Create(s.ctx, "", ReadWrite, false, 64))
	s.Require().NoError(c.Lock())
	s.NoError(c.Unlock())
}

func (s *RegionTestSuite) TestLockUnbound() {
	s.True(errors.Is(s.region().Lock(), ErrNotBound))
}

// assertBlocks checks that waiter.Lock waits until holder unlocks.
func (s *RegionTestSuite) assertBlocks(waiter, holder *Region) {
	acquired := make(chan error, 1)
	go func() { acquired <- waiter.Lock() }()
	select {
	case <-acquired:
		s.FailNow("lock acquired while held elsewhere")
	case <-time.After(50 * time.Millisecond):
	}
	s.Require().NoError(holder.Unlock())
	select {
	case err := <-acquired:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("lock never acquired")
	}
	s.NoError(waiter.Unlock())
}

func (s *RegionTestSuite) TestUnlink() {
	a := s.region()
	s.Require().NoError(a.Create(s.ctx, "gone", ReadWrite, false, 64))
	s.Require().NoError(a.Map(0))
	s.Require().NoError(a.Lock())
	s.Require().NoError(a.Unlock())
	s.Require().NoError(a.Unlink())
	s.NoFileExists(s.cfg.Path("gone"))
	s.NoFileExists(s.cfg.LockPath("gone"))

	a.Bytes()[0] = 1
	b := s.region()
	s.True(errors.Is(b.Open(s.ctx, "gone", ReadWrite), ErrNotFound))

	anon := s.region()
	s.True(errors.Is(anon.Unlink(), ErrNotBound))
	s.Require().NoError(anon.Create(s.ctx, "", ReadWrite, false, 64))
	s.True(errors.Is(anon.Unlink(), ErrInvalidArgument))
}

func (s *RegionTestSuite) TestCreateUnique() {
	taken := s.region()
	s.Require().NoError(taken.Create(s.ctx, "taken", ReadWrite, false, 64))

	names := []string{"taken", "taken", "free"}
	calls := 0
	r := s.region()
	name, err := CreateUnique(s.ctx, r, UniqueOptions{
		Size:            64,
		InitialInterval: time.Millisecond,
		NameFunc: func() string {
			n := names[calls]
			calls++
			return n
		},
	})
	s.Require().NoError(err)
	s.Equal("free", name)
	s.Equal(3, calls)
	s.Equal("free", r.Name())

	calls = 0
	_, err = CreateUnique(s.ctx, s.region(), UniqueOptions{
		NameFunc: func() string { calls++; return "zero" },
	})
	s.True(errors.Is(err, ErrInvalidArgument))
	s.Equal(1, calls)

	_, err = CreateUnique(s.ctx, s.region(), UniqueOptions{
		Size:            64,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		NameFunc:        func() string { return "taken" },
	})
	s.True(errors.Is(err, ErrNameCollision))

	r = s.region()
	name, err = CreateUnique(s.ctx, r, UniqueOptions{Prefix: "u-", Size: 64})
	s.Require().NoError(err)
	s.Contains(name, "u-")
}

func (s *RegionTestSuite) TestMetrics() {
	reg := prometheus.NewRegistry()
	s.cfg.Metrics = NewMetrics(reg)

	r := s.region()
	s.Require().NoError(r.Create(s.ctx, "", ReadWrite, false, 8192))
	s.Require().NoError(r.Map(0))
	s.Equal(8192.0, gaugeValue(s.cfg.Metrics.MappedBytes))
	s.Equal(1.0, gaugeValue(s.cfg.Metrics.BoundRegions))

	_ = r.Create(s.ctx, "", ReadWrite, false, 1)
	s.Equal(1.0, counterValue(s.cfg.Metrics.Failures.WithLabelValues("create", AlreadyBound.String())))

	_, err := r.ShareToProcess(s.ctx, CurrentProcess(), true)
	s.Require().NoError(err)
	s.Equal(0.0, gaugeValue(s.cfg.Metrics.MappedBytes))
	s.Equal(0.0, gaugeValue(s.cfg.Metrics.BoundRegions))
	s.Equal(1.0, counterValue(s.cfg.Metrics.Transfers.WithLabelValues("move")))
	s.Equal(2.0, counterValue(s.cfg.Metrics.Operations.WithLabelValues("create")))
}

func TestRegionTestSuite(t *testing.T) {
	suite.Run(t, new(RegionTestSuite))
}

type fakeTarget struct {
	pid   int
	err   error
	calls int
}

func (f fakeTarget) PID() int { return f.pid }

func (f *fakeTarget) Give(ctx context.Context, h LocalHandle) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return CurrentProcess().Give(ctx, h)
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	_ = g.Write(&m)
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}
