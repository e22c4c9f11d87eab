// Package broker is the producer side of picture sharing: it answers
// buffer requests arriving on transport connections with freshly painted
// shared buffers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"net"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/srediag/shmtransport/pkg/dib"
	"github.com/srediag/shmtransport/pkg/shm"
	"github.com/srediag/shmtransport/pkg/transport"
)

// Painter fills a buffer before it is handed out.
type Painter func(img *image.RGBA, req transport.Request)

// Config configures a Broker.
type Config struct {
	Region shm.Config
	// Workers bounds the connections served at once.
	Workers int
	Logger  *zap.Logger
	Painter Painter
}

// Broker serves buffer requests.
type Broker struct {
	cfg  Config
	log  *zap.Logger
	pool *ants.Pool

	mu     sync.Mutex
	conns  map[*transport.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New returns a broker with a worker pool of cfg.Workers.
func New(cfg Config) (*Broker, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Painter == nil {
		cfg.Painter = Fill
	}
	b := &Broker{
		cfg:   cfg,
		log:   cfg.Logger.Named("broker"),
		conns: make(map[*transport.Conn]struct{}),
	}
	pool, err := ants.NewPool(cfg.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			b.log.Error("connection handler panicked", zap.Any("panic", p))
		}))
	if err != nil {
		return nil, fmt.Errorf("broker pool: %w", err)
	}
	b.pool = pool
	return b, nil
}

// Serve accepts connections from ln until ctx is done or ln fails. ln is
// closed on return.
func (b *Broker) Serve(ctx context.Context, ln *transport.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("broker accept: %w", err)
		}
		if err := b.Go(ctx, c); err != nil {
			b.log.Warn("dropping connection", zap.Int("peer", c.PID()), zap.Error(err))
			_ = c.Close()
		}
	}
}

// Go serves c on the worker pool. It fails when every worker is busy.
func (b *Broker) Go(ctx context.Context, c *transport.Conn) error {
	if !b.track(c) {
		return errors.New("broker closed")
	}
	b.wg.Add(1)
	err := b.pool.Submit(func() {
		defer b.wg.Done()
		defer b.untrack(c)
		if err := b.ServeConn(ctx, c); err != nil {
			b.log.Warn("connection", zap.Int("peer", c.PID()), zap.Error(err))
		}
	})
	if err != nil {
		b.wg.Done()
		b.untrack(c)
		return err
	}
	return nil
}

// ServeConn answers requests on c until the peer hangs up or ctx is done.
func (b *Broker) ServeConn(ctx context.Context, c *transport.Conn) error {
	log := b.log.With(zap.Int("peer", c.PID()))
	for {
		req, err := c.NextRequest(ctx)
		if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if err := b.answer(ctx, c, req); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			log.Warn("request failed",
				zap.Uint32("sequence", req.Sequence),
				zap.Uint32("width", req.Width),
				zap.Uint32("height", req.Height),
				zap.Error(err))
			continue
		}
		log.Debug("request served", zap.Uint32("sequence", req.Sequence))
	}
}

func (b *Broker) answer(ctx context.Context, c *transport.Conn, req transport.Request) error {
	buf := dib.New(b.cfg.Region)
	defer buf.Close()
	if err := buf.CreateSequenced(ctx, req.Width, req.Height, req.Transparent, req.Sequence); err != nil {
		return err
	}
	b.cfg.Painter(buf.Image(), req)
	buf.FlushBits()
	target := c.Tagged(transport.Tag{Sequence: req.Sequence, Transparent: req.Transparent})
	_, err := buf.ShareToProcess(ctx, target, true)
	return err
}

func (b *Broker) track(c *transport.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[c] = struct{}{}
	return true
}

func (b *Broker) untrack(c *transport.Conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	_ = c.Close()
}

// Close hangs up every connection, waits for handlers and releases the pool.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*transport.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	b.wg.Wait()
	b.pool.Release()
	return nil
}

// Fill paints the whole picture in a colour derived from the request
// sequence. Transparent requests are half transparent.
func Fill(img *image.RGBA, req transport.Request) {
	c := SequenceColor(req.Sequence, req.Transparent)
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
}

// SequenceColor is the colour Fill uses for seq.
func SequenceColor(seq uint32, transparent bool) color.RGBA {
	a := uint8(0xff)
	if transparent {
		a = 0x80
	}
	// premultiplied, channels never exceed alpha
	return color.RGBA{
		R: uint8(seq) & a,
		G: uint8(seq>>8) & a,
		B: uint8(seq>>16) & a,
		A: a,
	}
}
