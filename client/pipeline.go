package client

import (
	"context"
	"errors"
	"fmt"

	"redismap/interface/backend"
	"redismap/redis"
)

// ErrTxAborted is returned when EXEC discards a transaction, because a watched key changed
// or because a command was rejected while queueing.
var ErrTxAborted = errors.New("transaction aborted")

// Pipeline sends its commands in one write and reads all replies. Error replies stay in
// their slots so callers can tell which commands failed.
type Pipeline struct {
	client *Client
	cmds   []*redis.Command
}

func (p *Pipeline) Add(cmd *redis.Command) {
	p.cmds = append(p.cmds, cmd)
}

func (p *Pipeline) Len() int {
	return len(p.cmds)
}

func (p *Pipeline) Exec(ctx context.Context) ([]*redis.Reply, error) {
	if len(p.cmds) == 0 {
		return nil, nil
	}
	cmds := p.cmds
	p.cmds = nil
	return p.client.Do(ctx, cmds)
}

// Tx wraps its commands in MULTI/EXEC. Created by Client.Watch it runs on a pinned
// connection holding the WATCH.
type Tx struct {
	client *Client
	conn   backend.Conn
	cmds   []*redis.Command
}

func (tx *Tx) Add(cmd *redis.Command) {
	tx.cmds = append(tx.cmds, cmd)
}

func (tx *Tx) Len() int {
	return len(tx.cmds)
}

// Execute runs a command outside the transaction, on the pinned connection if there is one.
// Reads made this way see the state the WATCH protects.
func (tx *Tx) Execute(ctx context.Context, cmd *redis.Command) (*redis.Reply, error) {
	if tx.conn == nil {
		return tx.client.Execute(ctx, cmd)
	}
	replies, err := tx.client.run(ctx, tx.conn, []*redis.Command{cmd})
	if err != nil {
		return nil, err
	}
	return replies[0], nil
}

// Exec returns the replies of the queued commands. Replies of commands that failed while
// running are error values; an aborted transaction returns ErrTxAborted instead.
func (tx *Tx) Exec(ctx context.Context) ([]*redis.Reply, error) {
	if len(tx.cmds) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.Command, 0, len(tx.cmds)+2)
	cmds = append(cmds, redis.NewCommand("MULTI"))
	cmds = append(cmds, tx.cmds...)
	cmds = append(cmds, redis.NewCommand("EXEC"))
	tx.cmds = nil

	var replies []*redis.Reply
	var err error
	if tx.conn != nil {
		replies, err = tx.client.run(ctx, tx.conn, cmds)
	} else {
		replies, err = tx.client.Do(ctx, cmds)
	}
	if err != nil {
		return nil, err
	}
	return execResult(replies)
}

func execResult(replies []*redis.Reply) ([]*redis.Reply, error) {
	if err := replies[0].Err(); err != nil {
		return nil, fmt.Errorf("MULTI: %w", err)
	}
	exec := replies[len(replies)-1]
	if err := exec.Err(); err != nil {
		if redis.IsServerError(err, "EXECABORT") {
			return nil, fmt.Errorf("%w: %v", ErrTxAborted, err)
		}
		return nil, err
	}
	if exec.IsNil() {
		return nil, ErrTxAborted
	}
	if len(exec.Array) != len(replies)-2 {
		return nil, fmt.Errorf("EXEC returned %d replies for %d commands", len(exec.Array), len(replies)-2)
	}
	return exec.Array, nil
}

// Watch pins a connection, WATCHes keys on it and calls fn with a Tx bound to it. fn usually
// reads through tx.Execute, queues writes with tx.Add and calls tx.Exec; ErrTxAborted then
// means one of the keys changed in between.
func (c *Client) Watch(ctx context.Context, fn func(tx *Tx) error, keys ...string) error {
	if len(keys) == 0 {
		return errors.New("watch: no keys")
	}
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer c.Release(conn)
	args := make([]interface{}, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	replies, err := c.run(ctx, conn, []*redis.Command{redis.NewCommand("WATCH", args...)})
	if err != nil {
		return err
	}
	if err = replies[0].Err(); err != nil {
		return err
	}
	tx := &Tx{client: c, conn: conn}
	err = fn(tx)
	if !conn.Broken() {
		// EXEC already cleared the watch; otherwise drop it before the connection is reused
		_, _ = c.run(context.WithoutCancel(ctx), conn, []*redis.Command{redis.NewCommand("UNWATCH")})
	}
	return err
}
