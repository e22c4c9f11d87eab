//go:build linux

package dib

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmtransport/pkg/shm"
)

type BufferTestSuite struct {
	suite.Suite
	ctx context.Context
}

func (s *BufferTestSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *BufferTestSuite) buffer() *Buffer {
	b := New(shm.Config{})
	s.T().Cleanup(func() { _ = b.Close() })
	return b
}

func (s *BufferTestSuite) TestCreatePayloadSize() {
	b := s.buffer()
	s.Require().NoError(b.Create(s.ctx, 64, 32, false))
	s.True(b.Bound())
	s.Equal(int64(8192), b.PayloadSize())
	s.Len(b.Bits(), 8192)
	s.Equal(int64(HeaderSize+8192), b.Region().Len())
	s.Equal(Size(64, 32), b.Region().Len())

	hdr := b.Header()
	s.Equal(uint32(64), hdr.Width)
	s.Equal(uint32(32), hdr.Height)
	s.Equal(uint32(64*BytesPerPixel), hdr.Stride)
	s.Equal(image.Rect(0, 0, 64, 32), b.Image().Bounds())

	b.Image().Set(63, 31, color.RGBA{1, 2, 3, 4})
	s.Equal([]byte{1, 2, 3, 4}, b.Bits()[8188:])
}

func (s *BufferTestSuite) TestAttachRoundTrip() {
	a := s.buffer()
	s.Require().NoError(a.CreateSequenced(s.ctx, 16, 8, true, 7))
	copy(a.Bits(), bytes.Repeat([]byte{0x11, 0x22, 0x33, 0x44}, 16*8))
	a.FlushBits()
	s.Equal(uint32(1), a.Generation())

	h, err := a.ShareToProcess(s.ctx, shm.CurrentProcess(), true)
	s.Require().NoError(err)
	s.False(a.Bound())
	s.Nil(a.Image())

	b := s.buffer()
	s.Require().NoError(b.Attach(s.ctx, h, 16, 8, true))
	s.Equal(uint32(7), b.Header().Sequence)
	s.True(b.Header().Transparent)
	s.Equal(uint32(1), b.Generation())
	s.Equal(bytes.Repeat([]byte{0x11, 0x22, 0x33, 0x44}, 16*8), b.Bits())

	b.FlushBits()
	s.Equal(uint32(2), b.Generation())
}

func (s *BufferTestSuite) TestAttachSizeMismatch() {
	a := s.buffer()
	s.Require().NoError(a.Create(s.ctx, 64, 32, false))

	h, err := a.ShareToProcess(s.ctx, shm.CurrentProcess(), false)
	s.Require().NoError(err)
	b := s.buffer()
	err = b.Attach(s.ctx, h, 64, 33, false)
	s.True(errors.Is(err, shm.ErrSizeMismatch), "%v", err)
	s.False(b.Bound())
	s.Equal(int64(0), b.PayloadSize())
	s.Nil(b.Bits())

	// same byte count, different shape
	h, err = a.ShareToProcess(s.ctx, shm.CurrentProcess(), false)
	s.Require().NoError(err)
	err = b.Attach(s.ctx, h, 32, 64, false)
	s.True(errors.Is(err, shm.ErrSizeMismatch), "%v", err)
	s.False(b.Bound())
}

func (s *BufferTestSuite) TestCreateClosesPrevious() {
	b := s.buffer()
	s.Require().NoError(b.Create(s.ctx, 4, 4, false))
	first := b.Region()
	s.Require().NoError(b.Create(s.ctx, 8, 8, false))
	s.Equal(shm.Unbound, first.State())
	s.Equal(int64(8*8*4), b.PayloadSize())
}

func (s *BufferTestSuite) TestInvalidDimensions() {
	b := s.buffer()
	s.True(errors.Is(b.Create(s.ctx, 0, 10, false), shm.ErrInvalidArgument))
	s.True(errors.Is(b.Attach(s.ctx, shm.TransferredHandle{}, 10, 0, false), shm.ErrInvalidArgument))
	s.False(b.Bound())
}

func (s *BufferTestSuite) TestUnbound() {
	b := s.buffer()
	s.NoError(b.Close())
	b.FlushBits()
	s.Equal(uint32(0), b.Generation())
	_, err := b.ShareToProcess(s.ctx, shm.CurrentProcess(), false)
	s.True(errors.Is(err, shm.ErrNotBound))

	s.Require().NoError(b.Create(s.ctx, 2, 2, false))
	s.NoError(b.Close())
	s.NoError(b.Close())
	s.Nil(b.Image())
}

func (s *BufferTestSuite) TestCacheClosesEvicted() {
	c := NewCache(1)
	a := s.buffer()
	s.Require().NoError(a.Create(s.ctx, 2, 2, false))
	b := s.buffer()
	s.Require().NoError(b.Create(s.ctx, 2, 2, false))

	c.Add(1, a)
	c.Add(2, b)
	s.False(a.Bound())
	s.True(b.Bound())
	s.Require().NoError(c.Close())
	s.False(b.Bound())
}

func TestBufferTestSuite(t *testing.T) {
	suite.Run(t, new(BufferTestSuite))
}
