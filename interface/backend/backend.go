package backend

import (
	"context"

	"redismap/redis"
)

// Conn is a single ordered channel to one server. Replies come back in the order the
// commands were written.
type Conn interface {
	// Do writes cmds as one buffer and waits for exactly len(cmds) replies.
	// Error replies are returned as values; a non-nil error means the connection is unusable.
	Do(ctx context.Context, cmds []*redis.Command) ([]*redis.Reply, error)
	Close() error
	// Broken reports whether a transport or protocol failure has terminated the connection.
	Broken() bool
	Addr() string
}

// Dialer opens and initializes a new Conn.
type Dialer func(ctx context.Context) (Conn, error)

// Executor runs one command at a time.
type Executor interface {
	Execute(ctx context.Context, cmd *redis.Command) (*redis.Reply, error)
	// Addr identifies the physical server, used to key per-server state such as loaded scripts.
	Addr() string
}

// Batch collects commands that are sent back to back and answered in order.
type Batch interface {
	Add(cmd *redis.Command)
	Len() int
	// Exec sends the batch. For a transaction, a watched key change or a queueing error
	// collapses the result into a single aborted error.
	Exec(ctx context.Context) ([]*redis.Reply, error)
}

type Pipeliner interface {
	Executor
	Pipeline() Batch
	Transaction() Batch
}
