//go:build !linux

package reactor

import (
	"context"
	"net"
	"sync"
)

// EventLoop without epoll: one reader goroutine per connection feeds the same dispatch code.
type EventLoop struct {
	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

func NewEventLoop() (*EventLoop, error) {
	return &EventLoop{conns: make(map[*Conn]struct{})}, nil
}

func (l *EventLoop) Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	t := &netTransport{loop: l, nc: nc}
	conn := newConn(nc.RemoteAddr().String(), t)
	t.conn = conn
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = nc.Close()
		return nil, ErrLoopClosed
	}
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := nc.Read(buf)
			if n > 0 {
				conn.onRead(buf[:n])
			}
			if err != nil {
				conn.onError(err)
				return
			}
		}
	}()
	return conn, nil
}

func (l *EventLoop) Close() error {
	l.mu.Lock()
	l.closed = true
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.onError(ErrLoopClosed)
	}
	return nil
}

type netTransport struct {
	loop *EventLoop
	conn *Conn
	nc   net.Conn
}

func (t *netTransport) write(p []byte) error {
	_, err := t.nc.Write(p)
	return err
}

func (t *netTransport) flush() error {
	return nil
}

func (t *netTransport) close() error {
	t.loop.mu.Lock()
	delete(t.loop.conns, t.conn)
	t.loop.mu.Unlock()
	return t.nc.Close()
}
