package transport

import (
	"encoding/binary"
	"fmt"
)

// frameSize is the fixed length of every message on the socket.
const frameSize = 32

const frameMagic uint32 = 0x53484d58

type frameType uint32

const (
	frameHandle frameType = iota + 1
	frameAck
	frameRequest
)

func (t frameType) String() string {
	switch t {
	case frameHandle:
		return "handle"
	case frameAck:
		return "ack"
	case frameRequest:
		return "request"
	}
	return fmt.Sprintf("frame(%d)", uint32(t))
}

const (
	flagReadOnly uint32 = 1 << iota
	flagTransparent
	flagRejected
)

// frame layout, little endian:
//
//	0  magic
//	4  type
//	8  flags
//	12 nonce
//	16 a   handle: length, ack: descriptor, request: width<<32|height
//	24 b   handle and request: sequence
type frame struct {
	typ   frameType
	flags uint32
	nonce uint32
	a     uint64
	b     uint64
}

func (f frame) append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, frameMagic)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(f.typ))
	dst = binary.LittleEndian.AppendUint32(dst, f.flags)
	dst = binary.LittleEndian.AppendUint32(dst, f.nonce)
	dst = binary.LittleEndian.AppendUint64(dst, f.a)
	return binary.LittleEndian.AppendUint64(dst, f.b)
}

func parseFrame(b []byte) (frame, error) {
	if len(b) != frameSize {
		return frame{}, fmt.Errorf("short frame: %d bytes", len(b))
	}
	if m := binary.LittleEndian.Uint32(b[0:]); m != frameMagic {
		return frame{}, fmt.Errorf("bad frame magic %#x", m)
	}
	return frame{
		typ:   frameType(binary.LittleEndian.Uint32(b[4:])),
		flags: binary.LittleEndian.Uint32(b[8:]),
		nonce: binary.LittleEndian.Uint32(b[12:]),
		a:     binary.LittleEndian.Uint64(b[16:]),
		b:     binary.LittleEndian.Uint64(b[24:]),
	}, nil
}
