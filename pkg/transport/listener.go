//go:build unix

package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Listener accepts handle-passing connections on a unix socket path.
type Listener struct {
	cfg Config
	ln  *net.UnixListener
}

// Listen binds path, removing a stale socket left by a previous run.
func Listen(path string, cfg Config) (*Listener, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(path)
	}
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", path, err)
	}
	return &Listener{cfg: cfg, ln: ln}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*Conn, error) {
	uc, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return NewConn(uc, l.cfg)
}

// Addr returns the socket path.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error { return l.ln.Close() }

// Pair returns two connected Conns within this process.
func Pair(cfg Config) (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: socketpair: %w", err)
	}
	a, err := fileConn(fds[0], "a")
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileConn(fds[1], "b")
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	ca, err := NewConn(a, cfg)
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	cb, err := NewConn(b, cfg)
	if err != nil {
		_ = ca.Close()
		return nil, nil, err
	}
	return ca, cb, nil
}

// fileConn wraps fd in a net.UnixConn and closes fd.
func fileConn(fd int, name string) (*net.UnixConn, error) {
	unix.CloseOnExec(fd)
	f := os.NewFile(uintptr(fd), "seqpacket-"+name)
	nc, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return nc.(*net.UnixConn), nil
}
