package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/srediag/shmtransport/pkg/dib"
	"github.com/srediag/shmtransport/pkg/shm"
	"github.com/srediag/shmtransport/pkg/transport"
)

// Client is the consumer side: it requests buffers over a Conn and keeps
// the attached ones in a cache keyed by sequence.
type Client struct {
	conn  *transport.Conn
	cfg   shm.Config
	log   *zap.Logger
	cache *dib.Cache

	mu  sync.Mutex
	seq uint32
}

// NewClient returns a client caching up to cacheSize buffers. It does not
// take ownership of conn.
func NewClient(conn *transport.Conn, cfg shm.Config, cacheSize int) *Client {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{conn: conn, cfg: cfg, log: log.Named("client"), cache: dib.NewCache(cacheSize)}
}

// Fetch requests a width x height buffer and waits for it. The returned
// buffer belongs to the client cache and stays valid until evicted or the
// client is closed.
func (cl *Client) Fetch(ctx context.Context, width, height uint32, transparent bool) (*dib.Buffer, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.seq++
	req := transport.Request{Width: width, Height: height, Transparent: transparent, Sequence: cl.seq}
	if err := cl.conn.SendRequest(ctx, req); err != nil {
		return nil, err
	}
	for {
		d, err := cl.conn.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if d.Sequence != req.Sequence {
			// answer to an abandoned request
			cl.log.Debug("discarding stale buffer", zap.Uint32("sequence", d.Sequence))
			cl.discard(ctx, d)
			continue
		}
		buf := dib.New(cl.cfg)
		if err := buf.Attach(ctx, d.Handle, width, height, d.Transparent); err != nil {
			return nil, err
		}
		cl.cache.Add(req.Sequence, buf)
		return buf, nil
	}
}

// Buffer returns a previously fetched buffer.
func (cl *Client) Buffer(seq uint32) (*dib.Buffer, bool) { return cl.cache.Get(seq) }

// Release closes a fetched buffer before it is evicted.
func (cl *Client) Release(seq uint32) bool { return cl.cache.Remove(seq) }

// Stats returns the cache counters.
func (cl *Client) Stats() dib.CacheStats { return cl.cache.Stats() }

// Close closes every cached buffer.
func (cl *Client) Close() error { return cl.cache.Close() }

func (cl *Client) discard(ctx context.Context, d transport.Delivery) {
	mode := shm.ReadWrite
	if d.Handle.ReadOnly {
		mode = shm.ReadOnly
	}
	r := shm.NewRegion(cl.cfg)
	if err := r.Attach(ctx, d.Handle, mode); err != nil {
		cl.log.Warn("discard", zap.Error(err))
	}
	_ = r.Close()
}
