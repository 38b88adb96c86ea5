package client

import (
	"context"
	"errors"
	"fmt"

	"redismap/config"
	"redismap/interface/backend"
	"redismap/reactor"
	"redismap/redis"
	"redismap/util/log"
	"redismap/util/pool"
)

// Client sends commands to one server through a bounded pool of connections. Connections are
// blocking Conns or, in reactor mode, connections multiplexed by one EventLoop; both behave
// the same to callers.
type Client struct {
	props   config.ClientProperties
	pool    *pool.Pool[backend.Conn]
	loop    *reactor.EventLoop
	ownLoop bool
	metrics *Metrics
}

type Option func(c *Client)

// WithEventLoop shares an existing loop between reactor mode clients.
func WithEventLoop(loop *reactor.EventLoop) Option {
	return func(c *Client) {
		c.loop = loop
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a client. No connection is opened before the first command.
func New(props *config.ClientProperties, opts ...Option) (*Client, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}
	c := &Client{props: *props}
	for _, opt := range opts {
		opt(c)
	}
	if c.props.Mode == config.ModeReactor && c.loop == nil {
		loop, err := reactor.NewEventLoop()
		if err != nil {
			return nil, fmt.Errorf("start event loop: %w", err)
		}
		c.loop = loop
		c.ownLoop = true
	}
	c.pool = pool.New[backend.Conn](c.props.MaxConnections, c.dial,
		pool.WithIdleTimeout[backend.Conn](c.props.IdleTimeout),
		pool.WithClose[backend.Conn](func(conn backend.Conn) {
			_ = conn.Close()
		}))
	return c, nil
}

// Addr is the configured server address.
func (c *Client) Addr() string {
	return c.props.Address
}

func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// dial opens a connection and runs AUTH and SELECT on it.
func (c *Client) dial(ctx context.Context) (backend.Conn, error) {
	if c.props.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.props.DialTimeout)
		defer cancel()
	}
	var conn backend.Conn
	if c.loop != nil {
		rc, err := c.loop.Dial(ctx, c.props.Address)
		if err != nil {
			return nil, &ConnError{Addr: c.props.Address, Err: err}
		}
		conn = rc
	} else {
		bc, err := Dial(ctx, c.props.Address, c.props.DialTimeout, c.props.ReadTimeout)
		if err != nil {
			return nil, err
		}
		conn = bc
	}
	var init []*redis.Command
	if c.props.Password != "" {
		init = append(init, redis.NewCommand("AUTH", c.props.Password))
	}
	if c.props.Database != 0 {
		init = append(init, redis.NewCommand("SELECT", c.props.Database))
	}
	if len(init) > 0 {
		replies, err := conn.Do(ctx, init)
		if err == nil {
			for _, reply := range replies {
				if err = reply.Err(); err != nil {
					break
				}
			}
		}
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("init connection to %s: %w", c.props.Address, err)
		}
	}
	c.metrics.poolSize(c.pool.Size())
	log.Debug("connected to %s", c.props.Address)
	return conn, nil
}

// Get takes a connection out of the pool. It must be handed back with Release.
func (c *Client) Get(ctx context.Context) (backend.Conn, error) {
	return c.pool.Get(ctx)
}

// Release returns conn to the pool, or discards it once broken.
func (c *Client) Release(conn backend.Conn) {
	if conn.Broken() {
		c.pool.Discard(conn)
		c.metrics.poolSize(c.pool.Size())
		return
	}
	c.pool.Put(conn)
}

// Execute sends one command and returns its reply. Error replies are returned as values.
func (c *Client) Execute(ctx context.Context, cmd *redis.Command) (*redis.Reply, error) {
	replies, err := c.Do(ctx, []*redis.Command{cmd})
	if err != nil {
		return nil, err
	}
	return replies[0], nil
}

// Do sends cmds back to back on one connection. After a transport error the batch is resent
// once on a fresh connection; idle connections are dropped first, as they most likely
// failed the same way.
//
// The server may have executed the batch before the connection failed, so the resend is
// only safe for idempotent commands, or when the failure hit the first command written to
// a new connection. MULTI/EXEC batches are resent as a whole and are no exception: callers
// running non-idempotent writes must be prepared to see them applied twice.
func (c *Client) Do(ctx context.Context, cmds []*redis.Command) ([]*redis.Reply, error) {
	replies, err := c.doOnce(ctx, cmds)
	if err == nil || !IsConnError(err) || ctx.Err() != nil {
		return replies, err
	}
	log.Warn("%v, resending on a new connection", err)
	c.metrics.reconnect()
	if n := c.pool.Drain(); n > 0 {
		c.metrics.poolSize(c.pool.Size())
	}
	return c.doOnce(ctx, cmds)
}

func (c *Client) doOnce(ctx context.Context, cmds []*redis.Command) ([]*redis.Reply, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil, ErrClientClosed
		}
		return nil, err
	}
	replies, err := c.run(ctx, conn, cmds)
	c.Release(conn)
	return replies, err
}

// run executes cmds on conn, applying the read timeout to reactor connections, which have
// no socket deadline of their own.
func (c *Client) run(ctx context.Context, conn backend.Conn, cmds []*redis.Command) ([]*redis.Reply, error) {
	if _, ok := ctx.Deadline(); !ok && c.loop != nil && c.props.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.props.ReadTimeout)
		defer cancel()
	}
	replies, err := conn.Do(ctx, cmds)
	if err != nil {
		if conn.Broken() {
			c.metrics.transportError()
			log.Warn("discarding connection to %s: %v", conn.Addr(), err)
		}
		if !IsConnError(err) && !redis.IsProtocolError(err) && conn.Broken() && ctx.Err() == nil {
			err = &ConnError{Addr: conn.Addr(), Err: err}
		}
	}
	for i, cmd := range cmds {
		var replyErr error
		if err != nil {
			replyErr = err
		} else if i < len(replies) {
			replyErr = replies[i].Err()
		}
		c.metrics.commandDone(cmd.Name(), replyErr)
	}
	return replies, err
}

func (c *Client) Pipeline() backend.Batch {
	return &Pipeline{client: c}
}

func (c *Client) Transaction() backend.Batch {
	return &Tx{client: c}
}

// PoolStats reports live and idle connections.
func (c *Client) PoolStats() (size, idle int) {
	return c.pool.Size(), c.pool.Idle()
}

func (c *Client) Close() error {
	c.pool.Close()
	if c.ownLoop {
		return c.loop.Close()
	}
	return nil
}

var ErrClientClosed = errors.New("client closed")
