package shm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	internalshm "github.com/srediag/shmtransport/internal/shm"
)

// Mode is the access mode of a region or mapping.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

func (m Mode) String() string {
	if m == ReadOnly {
		return "read-only"
	}
	return "read-write"
}

// State is the binding state of a Region.
type State int

const (
	Unbound State = iota
	BoundUnmapped
	BoundMapped
)

func (s State) String() string {
	switch s {
	case BoundUnmapped:
		return "bound-unmapped"
	case BoundMapped:
		return "bound-mapped"
	}
	return "unbound"
}

// Region is one kernel-backed shared memory allocation as seen by this
// process. Methods are safe for concurrent use.
type Region struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	seg     *internalshm.Segment
	name    string
	mode    Mode
	length  int64
	mem     []byte
	memMode Mode
	lk      locker
}

// NewRegion returns an unbound region.
func NewRegion(cfg Config) *Region {
	cfg = cfg.withDefaults()
	return &Region{cfg: cfg, log: cfg.Logger.Named("shm")}
}

// Create allocates a fresh region of size bytes and binds it without
// mapping. An empty name allocates an anonymous region that can only be
// reached through ShareToProcess. When the name exists, Create fails with
// NameCollision unless reuseExisting is set, in which case the existing
// region is opened; it must be at least size bytes long and is bound with a
// length of size.
func (r *Region) Create(ctx context.Context, name string, mode Mode, reuseExisting bool, size int64) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, done := r.observe(ctx, "create", name)
	defer func() { done(err) }()

	if r.seg != nil {
		return newError("create", name, AlreadyBound, nil)
	}
	if size <= 0 {
		return errorf("create", name, InvalidArgument, "size %d", size)
	}
	if name == "" {
		seg, err := internalshm.Create(internalshm.CreateOptions{
			Label:    r.cfg.Namespace,
			Size:     size,
			ReadOnly: mode == ReadOnly,
		})
		if err != nil {
			return wrapOS("create", name, err, AllocationFailure)
		}
		r.bindLocked(seg, "", mode, seg.Size())
		return nil
	}
	if err := validateName(name); err != nil {
		return newError("create", name, InvalidArgument, err)
	}
	path := r.cfg.Path(name)
	readOnly := mode == ReadOnly
	if err := internalshm.CheckSpace(r.cfg.Dir, size, r.cfg.MinFreeBytes); err != nil {
		// reusing an existing region allocates nothing
		if reuseExisting {
			if seg, oerr := internalshm.Open(path, readOnly); oerr == nil {
				return r.reuseLocked(seg, name, mode, size)
			}
		}
		return newError("create", name, AllocationFailure, err)
	}
	seg, err := internalshm.Create(internalshm.CreateOptions{
		Path:     path,
		Size:     size,
		ReadOnly: readOnly,
	})
	if errors.Is(err, fs.ErrExist) && reuseExisting {
		seg, err = internalshm.Open(path, readOnly)
		if err == nil {
			return r.reuseLocked(seg, name, mode, size)
		}
	}
	if err != nil {
		return wrapOS("create", name, err, AllocationFailure)
	}
	r.bindLocked(seg, name, mode, size)
	return nil
}

// reuseLocked binds an existing named region opened by Create. The region
// takes the requested length, which may be shorter than the allocation.
func (r *Region) reuseLocked(seg *internalshm.Segment, name string, mode Mode, size int64) error {
	if seg.Size() < size {
		n := seg.Size()
		_ = seg.Close()
		return errorf("create", name, SizeMismatch, "existing region has %d bytes, want %d", n, size)
	}
	r.bindLocked(seg, name, mode, size)
	return nil
}

// Open binds an existing named region.
func (r *Region) Open(ctx context.Context, name string, mode Mode) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, done := r.observe(ctx, "open", name)
	defer func() { done(err) }()

	if r.seg != nil {
		return newError("open", name, AlreadyBound, nil)
	}
	if err := validateName(name); err != nil {
		return newError("open", name, InvalidArgument, err)
	}
	seg, err := internalshm.Open(r.cfg.Path(name), mode == ReadOnly)
	if err != nil {
		return wrapOS("open", name, err, NotFound)
	}
	r.bindLocked(seg, name, mode, seg.Size())
	return nil
}

// Attach binds a handle transferred to this process. Attach owns the
// handle's descriptor unless it fails with AlreadyBound or InvalidTransfer;
// on every other failure the descriptor is released and r stays unbound.
func (r *Region) Attach(ctx context.Context, h TransferredHandle, mode Mode) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, done := r.observe(ctx, "attach", "")
	defer func() { done(err) }()

	if r.seg != nil {
		return newError("attach", "", AlreadyBound, nil)
	}
	if pid := os.Getpid(); h.Target != pid {
		return errorf("attach", "", InvalidTransfer, "handle addressed to process %d, this is %d", h.Target, pid)
	}
	if h.ReadOnly && mode == ReadWrite {
		_ = internalshm.CloseDescriptor(int(h.Value))
		return errorf("attach", "", PermissionDenied, "handle is read-only")
	}
	seg, err := internalshm.FromDescriptor(int(h.Value), mode == ReadOnly)
	if err != nil {
		return wrapOS("attach", "", err, NotFound)
	}
	if h.Length != 0 && seg.Size() != h.Length {
		_ = seg.Close()
		return errorf("attach", "", SizeMismatch, "handle declares %d bytes, region has %d", h.Length, seg.Size())
	}
	r.bindLocked(seg, "", mode, seg.Size())
	return nil
}

func (r *Region) bindLocked(seg *internalshm.Segment, name string, mode Mode, length int64) {
	r.seg = seg
	r.name = name
	r.mode = mode
	r.length = length
	r.cfg.Metrics.bound(1)
	r.log.Debug("region bound",
		zap.String("name", name),
		zap.Int64("length", r.length),
		zap.Stringer("mode", mode))
}

// Map maps size bytes from the start of the region with the region's mode.
// Zero maps the whole region.
func (r *Region) Map(size int) error {
	r.mu.Lock()
	mode := r.mode
	r.mu.Unlock()
	return r.MapMode(size, mode)
}

// MapMode maps size bytes with an explicit access mode. Mapping again with
// the same size and mode is a no-op; any other remap needs Unmap first.
func (r *Region) MapMode(size int, mode Mode) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { r.cfg.Metrics.observe("map", err) }()

	if r.seg == nil {
		return newError("map", r.name, NotBound, nil)
	}
	if size < 0 || int64(size) > r.length {
		return errorf("map", r.name, InvalidArgument, "size %d outside region of %d bytes", size, r.length)
	}
	if mode == ReadWrite && r.mode == ReadOnly {
		return errorf("map", r.name, PermissionDenied, "write mapping of a read-only region")
	}
	if size == 0 {
		size = int(r.length)
	}
	if r.mem != nil {
		if len(r.mem) == size && r.memMode == mode {
			return nil
		}
		return errorf("map", r.name, AlreadyBound, "mapped %d bytes %s", len(r.mem), r.memMode)
	}
	mem, err := r.seg.Map(size, mode == ReadWrite)
	if err != nil {
		return wrapOS("map", r.name, err, AllocationFailure)
	}
	r.mem = mem
	r.memMode = mode
	r.cfg.telemetry.AddMapped(context.Background(), int64(size))
	r.cfg.Metrics.mapped(int64(size))
	return nil
}

// Unmap removes the mapping. It is a no-op when nothing is mapped.
func (r *Region) Unmap() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unmapLocked()
}

func (r *Region) unmapLocked() error {
	if r.mem == nil {
		return nil
	}
	n := int64(len(r.mem))
	if err := internalshm.Unmap(r.mem); err != nil {
		return wrapOS("unmap", r.name, err, AllocationFailure)
	}
	r.mem = nil
	r.cfg.telemetry.AddMapped(context.Background(), -n)
	r.cfg.Metrics.mapped(-n)
	return nil
}

// Lock blocks until the region's mutual exclusion primitive is held. Named
// regions lock across processes through the paired lock file; anonymous
// regions lock within this process. There is no timeout.
func (r *Region) Lock() error {
	lk, err := r.locker()
	if err != nil {
		return err
	}
	if err := lk.lock(); err != nil {
		return wrapOS("lock", r.Name(), err, AllocationFailure)
	}
	return nil
}

// Unlock releases the primitive taken by Lock. Unlock without Lock is a no-op.
func (r *Region) Unlock() error {
	r.mu.Lock()
	lk := r.lk
	r.mu.Unlock()
	if lk == nil {
		return nil
	}
	if err := lk.unlock(); err != nil {
		return wrapOS("unlock", r.Name(), err, AllocationFailure)
	}
	return nil
}

// locker returns the lock primitive, creating it on first use.
func (r *Region) locker() (locker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lk != nil {
		return r.lk, nil
	}
	if r.seg == nil {
		return nil, newError("lock", "", NotBound, nil)
	}
	if r.name != "" {
		f, err := internalshm.OpenFileLock(r.cfg.LockPath(r.name))
		if err != nil {
			return nil, wrapOS("lock", r.name, err, AllocationFailure)
		}
		r.lk = &fileLocker{file: f}
		return r.lk, nil
	}
	key, err := r.seg.Identity()
	if err != nil {
		return nil, wrapOS("lock", "", err, AllocationFailure)
	}
	r.lk = acquireMutexLocker(key)
	return r.lk, nil
}

// ShareToProcess makes the region available to target and returns the
// handle value valid in target's namespace. Only anonymous regions can be
// shared; named regions are reached with Open. With closeSelf the local
// mapping and binding are released so target ends up the only owner; a
// move to CurrentProcess hands over the descriptor itself.
func (r *Region) ShareToProcess(ctx context.Context, target Target, closeSelf bool) (h TransferredHandle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, done := r.observe(ctx, "share", r.name)
	defer func() { done(err) }()

	if r.seg == nil {
		return h, newError("share", "", NotBound, nil)
	}
	if r.name != "" {
		return h, errorf("share", r.name, InvalidTransfer, "named regions are opened by name")
	}
	if target == nil || target.PID() <= 0 {
		return h, errorf("share", "", InvalidTransfer, "invalid target process")
	}
	h = TransferredHandle{
		Target:   target.PID(),
		Length:   r.length,
		ReadOnly: r.mode == ReadOnly,
	}
	if closeSelf {
		if err := r.unmapLocked(); err != nil {
			return TransferredHandle{}, err
		}
		if _, self := target.(currentProcess); self {
			// moving within this process, the descriptor changes hands as is
			h.Value = uint64(r.seg.Release())
			r.closeLocked()
			r.cfg.Metrics.transferred("move")
			return h, nil
		}
	}
	v, err := target.Give(ctx, LocalHandle{fd: r.seg.Fd(), length: r.length, readOnly: r.mode == ReadOnly})
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return TransferredHandle{}, err
		}
		return TransferredHandle{}, newError("share", "", InvalidTransfer, fmt.Errorf("give to %d: %w", h.Target, err))
	}
	h.Value = v
	r.cfg.Metrics.transferred("give")
	if closeSelf {
		r.closeLocked()
	}
	r.log.Debug("region shared", zap.Int("target", h.Target), zap.Uint64("value", v), zap.Bool("close_self", closeSelf))
	return h, nil
}

// Close unmaps the region, releases the lock primitive and the native
// handle. It is safe to call on an unbound or closed region.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Region) closeLocked() error {
	var errs []error
	if err := r.unmapLocked(); err != nil {
		errs = append(errs, err)
	}
	if r.lk != nil {
		if err := r.lk.release(); err != nil {
			errs = append(errs, err)
		}
		r.lk = nil
	}
	if r.seg != nil {
		if err := r.seg.Close(); err != nil {
			r.log.Warn("region close", zap.String("name", r.name), zap.Error(err))
			errs = append(errs, err)
		}
		r.seg = nil
		r.cfg.Metrics.bound(-1)
	}
	r.name = ""
	r.length = 0
	return errors.Join(errs...)
}

// Unlink removes the name and lock file of a bound named region. Existing
// bindings and mappings stay valid; Open by name fails afterwards.
func (r *Region) Unlink() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seg == nil {
		return newError("unlink", "", NotBound, nil)
	}
	if r.name == "" {
		return errorf("unlink", "", InvalidArgument, "anonymous regions have no name")
	}
	if err := internalshm.Remove(r.cfg.Path(r.name)); err != nil {
		return wrapOS("unlink", r.name, err, NotFound)
	}
	if err := internalshm.Remove(r.cfg.LockPath(r.name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wrapOS("unlink", r.name, err, NotFound)
	}
	return nil
}

// Bytes returns the mapped memory, nil when unmapped.
func (r *Region) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem
}

// Len returns the allocation length fixed at bind time, 0 when unbound.
func (r *Region) Len() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length
}

// Name returns the region name, empty for anonymous or unbound regions.
func (r *Region) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// Mode returns the access mode the region was bound with.
func (r *Region) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// State returns the current binding state.
func (r *Region) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.seg == nil:
		return Unbound
	case r.mem == nil:
		return BoundUnmapped
	}
	return BoundMapped
}

// Handle returns the local handle; it is invalid when r is unbound.
func (r *Region) Handle() LocalHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seg == nil {
		return LocalHandle{fd: -1}
	}
	return LocalHandle{fd: r.seg.Fd(), length: r.length, readOnly: r.mode == ReadOnly}
}

func (r *Region) observe(ctx context.Context, op, name string) (context.Context, func(error)) {
	ctx, span := r.cfg.telemetry.Start(ctx, op, attribute.String("shm.name", name))
	return ctx, func(err error) {
		r.cfg.telemetry.Finish(ctx, span, op, err, KindOf(err).String())
		r.cfg.Metrics.observe(op, err)
		if err != nil {
			r.log.Debug("region operation failed", zap.String("op", op), zap.Error(err))
		}
	}
}
