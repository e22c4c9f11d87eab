package dib

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// BytesPerPixel is fixed: 32-bit packed color.
	BytesPerPixel = 4
	// HeaderSize is the fixed prefix ahead of the payload.
	HeaderSize = 32

	bitCount = 32
	planes   = 1

	flagTransparent = 1
)

// Header field offsets.
const (
	offSize       = 0
	offWidth      = 4
	offHeight     = 8
	offPlanes     = 12
	offBitCount   = 14
	offStride     = 16
	offFlags      = 20
	offSequence   = 24
	offGeneration = 28
)

// Header describes the picture carried by a Buffer.
type Header struct {
	Width       uint32
	Height      uint32
	Planes      uint16
	BitCount    uint16
	Stride      uint32
	Transparent bool
	Sequence    uint32
}

// NewHeader returns the header for a width x height picture.
func NewHeader(width, height uint32, transparent bool) Header {
	return Header{
		Width:       width,
		Height:      height,
		Planes:      planes,
		BitCount:    bitCount,
		Stride:      width * BytesPerPixel,
		Transparent: transparent,
	}
}

// PayloadSize returns the pixel byte count.
func (h Header) PayloadSize() int64 {
	return int64(h.Width) * int64(h.Height) * BytesPerPixel
}

// TotalSize returns the header plus payload byte count.
func (h Header) TotalSize() int64 {
	return HeaderSize + h.PayloadSize()
}

// Size returns the region size a width x height buffer needs.
func Size(width, height uint32) int64 {
	return NewHeader(width, height, false).TotalSize()
}

func (h Header) validate() error {
	if h.Width == 0 || h.Height == 0 {
		return fmt.Errorf("empty picture %dx%d", h.Width, h.Height)
	}
	if h.TotalSize() > math.MaxInt32 {
		return fmt.Errorf("picture %dx%d too large", h.Width, h.Height)
	}
	return nil
}

// encode writes h into the first HeaderSize bytes of b, resetting the
// generation counter.
func (h Header) encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[offSize:], HeaderSize)
	le.PutUint32(b[offWidth:], h.Width)
	le.PutUint32(b[offHeight:], h.Height)
	le.PutUint16(b[offPlanes:], h.Planes)
	le.PutUint16(b[offBitCount:], h.BitCount)
	le.PutUint32(b[offStride:], h.Stride)
	var flags uint32
	if h.Transparent {
		flags |= flagTransparent
	}
	le.PutUint32(b[offFlags:], flags)
	le.PutUint32(b[offSequence:], h.Sequence)
	le.PutUint32(b[offGeneration:], 0)
}

// decodeHeader reads the header at the start of b.
func decodeHeader(b []byte) (Header, uint32) {
	le := binary.LittleEndian
	return Header{
		Width:       le.Uint32(b[offWidth:]),
		Height:      le.Uint32(b[offHeight:]),
		Planes:      le.Uint16(b[offPlanes:]),
		BitCount:    le.Uint16(b[offBitCount:]),
		Stride:      le.Uint32(b[offStride:]),
		Transparent: le.Uint32(b[offFlags:])&flagTransparent != 0,
		Sequence:    le.Uint32(b[offSequence:]),
	}, le.Uint32(b[offSize:])
}
