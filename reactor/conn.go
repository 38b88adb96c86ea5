package reactor

import (
	"context"
	"errors"
	"sync"

	"redismap/redis"
)

var (
	ErrLoopClosed      = errors.New("event loop closed")
	ErrConnClosed      = errors.New("connection closed")
	errUnexpectedReply = errors.New("reply received with no pending call")
)

// transport is the platform specific socket behind a Conn. Its methods are called with
// the Conn's lock held.
type transport interface {
	// write sends p or queues what the socket does not accept; it never blocks on a full socket.
	write(p []byte) error
	// flush retries queued bytes once the socket is writable.
	flush() error
	close() error
}

// call is one Do waiting for its n replies.
type call struct {
	n       int
	replies []*redis.Reply
	err     error
	done    chan struct{}
}

// Conn is a connection served by an EventLoop. Callers suspend after writing their commands
// and are woken by the loop once all their replies are decoded. Calls complete in the
// order they were written.
type Conn struct {
	addr string
	t    transport

	mu      sync.Mutex
	decoder *redis.Decoder
	calls   []*call
	err     error
}

func newConn(addr string, t transport) *Conn {
	return &Conn{addr: addr, t: t, decoder: redis.NewDecoder()}
}

func (c *Conn) Addr() string {
	return c.addr
}

func (c *Conn) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

// Pending is the number of calls waiting for replies.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Do writes cmds as one buffer and suspends until their replies are decoded or ctx is done.
// A cancelled call whose replies have not started arriving is detached: its replies are
// read and dropped and the connection stays usable. Otherwise the connection is closed.
func (c *Conn) Do(ctx context.Context, cmds []*redis.Command) ([]*redis.Reply, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	payload := redis.EncodeAll(cmds)
	cl := &call{n: len(cmds), replies: make([]*redis.Reply, 0, len(cmds)), done: make(chan struct{})}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.calls = append(c.calls, cl)
	if err := c.t.write(payload); err != nil {
		c.failLocked(err)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.result()
	case <-ctx.Done():
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-cl.done:
		return cl.result()
	default:
	}
	if c.started(cl) {
		c.failLocked(ctx.Err())
	}
	return nil, ctx.Err()
}

func (cl *call) result() ([]*redis.Reply, error) {
	if cl.err != nil {
		return nil, cl.err
	}
	return cl.replies, nil
}

// started reports whether any byte of cl's replies has been consumed or buffered.
func (c *Conn) started(cl *call) bool {
	if len(cl.replies) > 0 {
		return true
	}
	return len(c.calls) > 0 && c.calls[0] == cl && c.decoder.InProgress()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(ErrConnClosed)
	return nil
}

// onRead feeds bytes read by the loop and completes every call whose replies are whole.
func (c *Conn) onRead(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.decoder.Feed(p)
	for {
		reply, err := c.decoder.Next()
		if errors.Is(err, redis.ErrIncomplete) {
			return
		}
		if err != nil {
			c.failLocked(err)
			return
		}
		if len(c.calls) == 0 {
			c.failLocked(errUnexpectedReply)
			return
		}
		cl := c.calls[0]
		cl.replies = append(cl.replies, reply)
		if len(cl.replies) == cl.n {
			c.calls[0] = nil
			c.calls = c.calls[1:]
			close(cl.done)
		}
	}
}

func (c *Conn) onWritable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if err := c.t.flush(); err != nil {
		c.failLocked(err)
	}
}

func (c *Conn) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(err)
}

// failLocked terminates the connection and every waiting call. Only the first error is kept.
func (c *Conn) failLocked(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	for _, cl := range c.calls {
		cl.err = err
		close(cl.done)
	}
	c.calls = nil
	c.decoder.Reset()
	_ = c.t.close()
}
