// Package dib ships picture-sized buffers between a content process and a
// compositing process over shared memory.
//
// A Buffer is a Region holding a fixed 32-byte header followed by
// width*height 32-bit pixels. The writer fills the payload, calls FlushBits
// and then tells the reader, over its own channel, that the frame is ready.
package dib

import (
	"context"
	"fmt"
	"image"
	"unsafe"

	internalshm "github.com/srediag/shmtransport/internal/shm"
	"github.com/srediag/shmtransport/pkg/shm"
)

// Buffer is a shared picture buffer: unbound, then created-mapped or
// attached-mapped, then closed.
type Buffer struct {
	cfg    shm.Config
	region *shm.Region
	hdr    Header
	mem    []byte
	img    *image.RGBA
}

// New returns an unbound buffer whose regions use cfg.
func New(cfg shm.Config) *Buffer {
	return &Buffer{cfg: cfg}
}

// Create allocates and maps a buffer for a width x height picture and
// writes its header. Any previous binding is closed first.
func (b *Buffer) Create(ctx context.Context, width, height uint32, transparent bool) error {
	return b.CreateSequenced(ctx, width, height, transparent, 0)
}

// CreateSequenced is Create with a sequence number recorded in the header,
// used by receivers to cache buffers.
func (b *Buffer) CreateSequenced(ctx context.Context, width, height uint32, transparent bool, seq uint32) error {
	_ = b.Close()

	hdr := NewHeader(width, height, transparent)
	hdr.Sequence = seq
	if err := hdr.validate(); err != nil {
		return &shm.Error{Op: "dib create", Kind: shm.InvalidArgument, Err: err}
	}
	r := shm.NewRegion(b.cfg)
	if err := r.Create(ctx, "", shm.ReadWrite, false, hdr.TotalSize()); err != nil {
		return err
	}
	if err := r.Map(0); err != nil {
		_ = r.Close()
		return err
	}
	mem := r.Bytes()
	hdr.encode(mem)
	b.bind(r, hdr, mem)
	return nil
}

// Attach binds a buffer shared by another process. The header is rebuilt
// from the supplied dimensions; a region whose length or stored header
// disagrees with them fails with SizeMismatch and leaves b unbound.
func (b *Buffer) Attach(ctx context.Context, h shm.TransferredHandle, width, height uint32, transparent bool) error {
	_ = b.Close()

	hdr := NewHeader(width, height, transparent)
	if err := hdr.validate(); err != nil {
		return &shm.Error{Op: "dib attach", Kind: shm.InvalidArgument, Err: err}
	}
	mode := shm.ReadWrite
	if h.ReadOnly {
		mode = shm.ReadOnly
	}
	r := shm.NewRegion(b.cfg)
	if err := r.Attach(ctx, h, mode); err != nil {
		return err
	}
	if r.Len() != hdr.TotalSize() {
		n := r.Len()
		_ = r.Close()
		return &shm.Error{Op: "dib attach", Kind: shm.SizeMismatch,
			Err: fmt.Errorf("%dx%d needs %d bytes, region has %d", width, height, hdr.TotalSize(), n)}
	}
	if err := r.Map(0); err != nil {
		_ = r.Close()
		return err
	}
	mem := r.Bytes()
	stored, size := decodeHeader(mem)
	if size != HeaderSize || stored.Width != hdr.Width || stored.Height != hdr.Height || stored.BitCount != hdr.BitCount {
		_ = r.Close()
		return &shm.Error{Op: "dib attach", Kind: shm.SizeMismatch,
			Err: fmt.Errorf("stored header is %dx%dx%d", stored.Width, stored.Height, stored.BitCount)}
	}
	hdr.Sequence = stored.Sequence
	b.bind(r, hdr, mem)
	return nil
}

func (b *Buffer) bind(r *shm.Region, hdr Header, mem []byte) {
	b.region = r
	b.hdr = hdr
	b.mem = mem
	bits := mem[HeaderSize:]
	b.img = &image.RGBA{
		Pix:    bits,
		Stride: int(hdr.Stride),
		Rect:   image.Rect(0, 0, int(hdr.Width), int(hdr.Height)),
	}
}

// Bound reports whether b holds a mapped region.
func (b *Buffer) Bound() bool { return b.region != nil }

// Header returns the picture header.
func (b *Buffer) Header() Header { return b.hdr }

// PayloadSize returns the pixel byte count, 0 when unbound.
func (b *Buffer) PayloadSize() int64 {
	if b.region == nil {
		return 0
	}
	return b.hdr.PayloadSize()
}

// Bits returns the pixel payload, nil when unbound.
func (b *Buffer) Bits() []byte {
	if b.region == nil {
		return nil
	}
	return b.mem[HeaderSize:]
}

// Image returns a drawing surface over the payload, nil when unbound.
func (b *Buffer) Image() *image.RGBA { return b.img }

// Region returns the underlying region, nil when unbound.
func (b *Buffer) Region() *shm.Region { return b.region }

// FlushBits publishes the pixels written so far. Mappings are coherent on
// this platform, so it only bumps the header generation with an atomic add
// that orders the preceding payload stores. Writers call it before
// signalling the reader; it does nothing on read-only buffers.
func (b *Buffer) FlushBits() {
	if b.region == nil || b.region.Mode() == shm.ReadOnly {
		return
	}
	internalshm.AtomicAddUint32(unsafe.Pointer(&b.mem[offGeneration]), 1)
}

// Generation returns the number of FlushBits calls seen in the header.
func (b *Buffer) Generation() uint32 {
	if b.region == nil {
		return 0
	}
	return internalshm.AtomicLoadUint32(unsafe.Pointer(&b.mem[offGeneration]))
}

// ShareToProcess shares the buffer's region to target. With closeSelf the
// buffer becomes unbound.
func (b *Buffer) ShareToProcess(ctx context.Context, target shm.Target, closeSelf bool) (shm.TransferredHandle, error) {
	if b.region == nil {
		return shm.TransferredHandle{}, &shm.Error{Op: "dib share", Kind: shm.NotBound}
	}
	h, err := b.region.ShareToProcess(ctx, target, closeSelf)
	if err != nil {
		return h, err
	}
	if closeSelf {
		b.reset()
	}
	return h, nil
}

// Close releases the drawing surface and the region. Closing an unbound
// buffer is a no-op.
func (b *Buffer) Close() error {
	if b.region == nil {
		return nil
	}
	err := b.region.Close()
	b.reset()
	if err != nil {
		return fmt.Errorf("dib close: %w", err)
	}
	return nil
}

func (b *Buffer) reset() {
	b.img = nil
	b.mem = nil
	b.region = nil
	b.hdr = Header{}
}
