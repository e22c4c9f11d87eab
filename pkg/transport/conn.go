//go:build unix

/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package transport carries shared memory handles between processes.
//
// A Conn is a unix seqpacket socket. Handles travel as SCM_RIGHTS
// attachments: the kernel installs a new descriptor in the receiving
// process, which acknowledges with the descriptor's number there. That
// number is the value a TransferredHandle carries, so a Conn is the
// shm.Target for its peer process.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmtransport/pkg/shm"
)

var (
	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("transport: connection closed")
	// ErrRejected is returned by Give when the peer refused the handle.
	ErrRejected = errors.New("transport: handle rejected by peer")
)

const pollInterval = 50 * time.Millisecond

// Config tunes a Conn.
type Config struct {
	Logger *zap.Logger
	// QueueSize bounds the handles and requests waiting to be received.
	QueueSize uint64
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{Logger: zap.NewNop(), QueueSize: 64}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Tag is the picture metadata sent along with a handle.
type Tag struct {
	Sequence    uint32
	Transparent bool
}

// Delivery is a handle received from the peer, already installed in this
// process. The receiver owns Handle.Value.
type Delivery struct {
	Handle shm.TransferredHandle
	Tag
}

// Request asks the peer for a picture buffer.
type Request struct {
	Width       uint32
	Height      uint32
	Transparent bool
	Sequence    uint32
}

// Conn is one end of a handle-passing connection.
type Conn struct {
	cfg  Config
	log  *zap.Logger
	uc   *net.UnixConn
	peer int

	writeMu sync.Mutex
	nonce   atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan frame
	closed  bool

	handles  *queue.RingBuffer
	requests *queue.RingBuffer
	done     chan struct{}
}

// NewConn takes ownership of uc, which must be a seqpacket socket, and
// starts reading from it.
func NewConn(uc *net.UnixConn, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	raw, err := uc.SyscallConn()
	if err != nil {
		_ = uc.Close()
		return nil, fmt.Errorf("transport: %w", err)
	}
	var pid int
	var perr error
	if err := raw.Control(func(fd uintptr) { pid, perr = peerPID(int(fd)) }); err != nil {
		perr = err
	}
	if perr != nil {
		_ = uc.Close()
		return nil, fmt.Errorf("transport: peer pid: %w", perr)
	}
	c := &Conn{
		cfg:      cfg,
		log:      cfg.Logger.Named("transport").With(zap.Int("peer", pid)),
		uc:       uc,
		peer:     pid,
		pending:  make(map[uint32]chan frame),
		handles:  queue.NewRingBuffer(cfg.QueueSize),
		requests: queue.NewRingBuffer(cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Dial connects to a Listener at path.
func Dial(ctx context.Context, path string, cfg Config) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unixpacket", path)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", path, err)
	}
	return NewConn(nc.(*net.UnixConn), cfg)
}

// PID returns the peer process id.
func (c *Conn) PID() int { return c.peer }

// Give sends h to the peer and returns the descriptor number installed
// there. It satisfies shm.Target.
func (c *Conn) Give(ctx context.Context, h shm.LocalHandle) (uint64, error) {
	return c.GiveTagged(ctx, h, Tag{})
}

// Tagged returns a shm.Target that sends tag along with every handle.
func (c *Conn) Tagged(tag Tag) shm.Target { return taggedTarget{c: c, tag: tag} }

type taggedTarget struct {
	c   *Conn
	tag Tag
}

func (t taggedTarget) PID() int { return t.c.peer }

func (t taggedTarget) Give(ctx context.Context, h shm.LocalHandle) (uint64, error) {
	return t.c.GiveTagged(ctx, h, t.tag)
}

// GiveTagged is Give with picture metadata. ctx is checked before the
// handle is sent; once sent the peer holds a descriptor, so GiveTagged waits
// for its acknowledgement or for the connection to close.
func (c *Conn) GiveTagged(ctx context.Context, h shm.LocalHandle, tag Tag) (uint64, error) {
	if !h.IsValid() {
		return 0, errors.New("transport: invalid handle")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f := frame{typ: frameHandle, nonce: c.nonce.Add(1), a: uint64(h.Length()), b: uint64(tag.Sequence)}
	if h.ReadOnly() {
		f.flags |= flagReadOnly
	}
	if tag.Transparent {
		f.flags |= flagTransparent
	}

	ack := make(chan frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.pending[f.nonce] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.nonce)
		c.mu.Unlock()
	}()

	if err := c.write(f, unix.UnixRights(int(h.Fd()))); err != nil {
		return 0, err
	}
	select {
	case a := <-ack:
		if a.flags&flagRejected != 0 {
			return 0, ErrRejected
		}
		return a.a, nil
	case <-c.done:
		return 0, ErrClosed
	}
}

// Receive waits for the next handle sent by the peer.
func (c *Conn) Receive(ctx context.Context) (Delivery, error) {
	item, err := c.poll(ctx, c.handles)
	if err != nil {
		return Delivery{}, err
	}
	return item.(Delivery), nil
}

// SendRequest asks the peer for a buffer.
func (c *Conn) SendRequest(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := frame{
		typ:   frameRequest,
		nonce: c.nonce.Add(1),
		a:     uint64(req.Width)<<32 | uint64(req.Height),
		b:     uint64(req.Sequence),
	}
	if req.Transparent {
		f.flags |= flagTransparent
	}
	return c.write(f, nil)
}

// NextRequest waits for the next request sent by the peer.
func (c *Conn) NextRequest(ctx context.Context) (Request, error) {
	item, err := c.poll(ctx, c.requests)
	if err != nil {
		return Request{}, err
	}
	return item.(Request), nil
}

func (c *Conn) poll(ctx context.Context, rb *queue.RingBuffer) (interface{}, error) {
	for {
		item, err := rb.Poll(pollInterval)
		switch {
		case err == nil:
			return item, nil
		case errors.Is(err, queue.ErrTimeout):
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		case errors.Is(err, queue.ErrDisposed):
			return nil, ErrClosed
		default:
			return nil, err
		}
	}
}

func (c *Conn) write(f frame, oob []byte) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = f.append(buf.B[:0])

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, _, err := c.uc.WriteMsgUnix(buf.B, oob, nil); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("transport: write %s: %w", f.typ, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.shutdown()
	b := make([]byte, frameSize+1)
	oob := make([]byte, unix.CmsgSpace(4*4))
	for {
		n, oobn, flags, _, err := c.uc.ReadMsgUnix(b, oob)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.log.Debug("read", zap.Error(err))
			}
			return
		}
		if n == 0 {
			// peer hung up
			return
		}
		fds := parseRights(oob[:oobn])
		if flags&unix.MSG_CTRUNC != 0 {
			c.log.Warn("control message truncated")
		}
		f, err := parseFrame(b[:n])
		if err != nil {
			c.log.Warn("dropping frame", zap.Error(err))
			closeAll(fds)
			continue
		}
		c.dispatch(f, fds)
	}
}

func (c *Conn) dispatch(f frame, fds []int) {
	switch f.typ {
	case frameHandle:
		if len(fds) != 1 {
			closeAll(fds)
			c.reply(f.nonce, 0, flagRejected)
			return
		}
		d := Delivery{
			Handle: shm.TransferredHandle{
				Target:   os.Getpid(),
				Value:    uint64(fds[0]),
				Length:   int64(f.a),
				ReadOnly: f.flags&flagReadOnly != 0,
			},
			Tag: Tag{Sequence: uint32(f.b), Transparent: f.flags&flagTransparent != 0},
		}
		if ok, err := c.handles.Offer(d); !ok || err != nil {
			c.log.Warn("handle queue full, rejecting", zap.Uint32("sequence", d.Sequence))
			closeAll(fds)
			c.reply(f.nonce, 0, flagRejected)
			return
		}
		c.reply(f.nonce, uint64(fds[0]), 0)
	case frameAck:
		closeAll(fds)
		c.mu.Lock()
		ch := c.pending[f.nonce]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- f:
			default:
				c.log.Warn("duplicate ack", zap.Uint32("nonce", f.nonce))
			}
		}
	case frameRequest:
		closeAll(fds)
		req := Request{
			Width:       uint32(f.a >> 32),
			Height:      uint32(f.a),
			Transparent: f.flags&flagTransparent != 0,
			Sequence:    uint32(f.b),
		}
		if ok, err := c.requests.Offer(req); !ok || err != nil {
			c.log.Warn("request queue full, dropping", zap.Uint32("sequence", req.Sequence))
		}
	default:
		closeAll(fds)
		c.log.Warn("unknown frame", zap.Stringer("type", f.typ))
	}
}

func (c *Conn) reply(nonce uint32, value uint64, flags uint32) {
	if err := c.write(frame{typ: frameAck, nonce: nonce, flags: flags, a: value}, nil); err != nil {
		c.log.Debug("ack", zap.Error(err))
	}
}

// shutdown runs once the read loop exits. Handles nobody received are
// closed so their descriptors do not leak.
func (c *Conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	for c.handles.Len() > 0 {
		item, err := c.handles.Poll(time.Millisecond)
		if err != nil {
			break
		}
		_ = unix.Close(int(item.(Delivery).Handle.Value))
	}
	c.handles.Dispose()
	c.requests.Dispose()
}

// Close closes the socket. Pending Give, Receive and NextRequest calls
// return ErrClosed.
func (c *Conn) Close() error {
	err := c.uc.Close()
	<-c.done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}

func parseRights(oob []byte) []int {
	if len(oob) == 0 {
		return nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds
}

func closeAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
