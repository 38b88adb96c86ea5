package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"redismap/redis"
)

var ErrConnClosed = errors.New("connection closed")

// ConnError is a transport failure talking to addr.
type ConnError struct {
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// IsConnError reports whether err was caused by the transport rather than the server.
func IsConnError(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce)
}

// Conn is a blocking connection. Send buffers an encoded command, Flush writes the buffer
// and Receive reads the reply of the oldest sent command. Writing and reading are guarded
// separately, so a subscriber may send while another goroutine waits for pushes. Any
// transport or protocol error closes the connection for good.
type Conn struct {
	addr        string
	conn        net.Conn
	readTimeout time.Duration

	wmu  sync.Mutex
	wbuf []byte

	rmu     sync.Mutex
	decoder *redis.Decoder
	rbuf    []byte

	mu      sync.Mutex
	pending int
	err     error
}

// Dial opens a blocking connection. readTimeout bounds each wait for a reply when the
// caller's context carries no deadline; zero means no bound.
func Dial(ctx context.Context, addr string, dialTimeout, readTimeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnError{Addr: addr, Err: err}
	}
	return NewConn(nc, readTimeout), nil
}

func NewConn(nc net.Conn, readTimeout time.Duration) *Conn {
	return &Conn{
		addr:        nc.RemoteAddr().String(),
		conn:        nc,
		readTimeout: readTimeout,
		decoder:     redis.NewDecoder(),
		rbuf:        make([]byte, 16*1024),
	}
}

func (c *Conn) Addr() string {
	return c.addr
}

func (c *Conn) Broken() bool {
	return c.failure() != nil
}

func (c *Conn) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending is the number of sent commands whose replies have not been received.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Send encodes cmd into the write buffer. Nothing reaches the socket before Flush.
func (c *Conn) Send(cmd *redis.Command) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.wbuf = redis.AppendCommand(c.wbuf, cmd)
	c.pending++
	return nil
}

func (c *Conn) Flush(ctx context.Context) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.failure(); err != nil {
		return err
	}
	if len(c.wbuf) == 0 {
		return nil
	}
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	stop := interruptOnCancel(ctx, c.conn.SetWriteDeadline)
	_, err := c.conn.Write(c.wbuf)
	stop()
	c.wbuf = c.wbuf[:0]
	if err != nil {
		return c.fatal(ctx, err)
	}
	return nil
}

// Receive reads the next reply. Replies arrive in the order commands were sent; a reply
// received with nothing pending is a server push, as on a subscribed connection, and is
// waited for without the read timeout.
func (c *Conn) Receive(ctx context.Context) (*redis.Reply, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if err := c.failure(); err != nil {
			return nil, err
		}
		reply, err := c.decoder.Next()
		if err == nil {
			c.mu.Lock()
			if c.pending > 0 {
				c.pending--
			}
			c.mu.Unlock()
			return reply, nil
		}
		if !errors.Is(err, redis.ErrIncomplete) {
			return nil, c.fatal(ctx, err)
		}
		deadline, ok := ctx.Deadline()
		if !ok && c.readTimeout > 0 && c.Pending() > 0 {
			deadline = time.Now().Add(c.readTimeout)
		}
		_ = c.conn.SetReadDeadline(deadline)
		stop := interruptOnCancel(ctx, c.conn.SetReadDeadline)
		n, err := c.conn.Read(c.rbuf)
		stop()
		if n > 0 {
			c.decoder.Feed(c.rbuf[:n])
		}
		if err != nil {
			// a partially consumed reply can not be resumed on another connection
			return nil, c.fatal(ctx, err)
		}
	}
}

// Do sends cmds as one write and collects their replies in order.
func (c *Conn) Do(ctx context.Context, cmds []*redis.Command) ([]*redis.Reply, error) {
	for _, cmd := range cmds {
		if err := c.Send(cmd); err != nil {
			return nil, err
		}
	}
	if err := c.Flush(ctx); err != nil {
		return nil, err
	}
	replies := make([]*redis.Reply, len(cmds))
	for i := range cmds {
		reply, err := c.Receive(ctx)
		if err != nil {
			return nil, err
		}
		replies[i] = reply
	}
	return replies, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrConnClosed
	}
	c.mu.Unlock()
	return c.conn.Close()
}

// fatal closes the connection and records the first error.
func (c *Conn) fatal(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) && isTimeout(err) {
		// the socket deadline fired before the context timer did
		err = context.DeadlineExceeded
	}
	if !redis.IsProtocolError(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		err = &ConnError{Addr: c.addr, Err: err}
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	_ = c.conn.Close()
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// interruptOnCancel forces a pending socket call to return once ctx is cancelled.
func interruptOnCancel(ctx context.Context, setDeadline func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = setDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}
