package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"redismap/redis"
	"redismap/util/log"
)

// Message is a published payload. Pattern is set for messages matched by PSUBSCRIBE.
type Message struct {
	Channel string
	Pattern string
	Payload []byte
}

// PubSub owns a dedicated connection in subscribed mode. Subscribing to something already
// subscribed is answered locally.
type PubSub struct {
	conn *Conn

	// mu serializes subscription changes, so confirmations are matched to their call
	mu       sync.Mutex
	channels map[string]struct{}
	patterns map[string]struct{}
	count    int

	confirms chan *redis.Reply
	messages chan *Message
	done     chan struct{}
	quit     chan struct{}
	once     sync.Once
	err      error
}

// NewPubSub dials a connection outside the pool, since a subscribed connection can not
// serve other commands.
func (c *Client) NewPubSub(ctx context.Context) (*PubSub, error) {
	conn, err := Dial(ctx, c.props.Address, c.props.DialTimeout, 0)
	if err != nil {
		return nil, err
	}
	if c.props.Password != "" {
		replies, err := conn.Do(ctx, []*redis.Command{redis.NewCommand("AUTH", c.props.Password)})
		if err == nil {
			err = replies[0].Err()
		}
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	ps := &PubSub{
		conn:     conn,
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
		confirms: make(chan *redis.Reply, 16),
		messages: make(chan *Message, 128),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
	go ps.receive()
	return ps, nil
}

// Messages is closed when the connection ends. It must be drained: a full channel stalls
// subscription changes too.
func (ps *PubSub) Messages() <-chan *Message {
	return ps.messages
}

func (ps *PubSub) receive() {
	defer close(ps.done)
	defer close(ps.messages)
	for {
		reply, err := ps.conn.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, ErrConnClosed) && !errors.Is(err, net.ErrClosed) {
				log.Warn("pubsub connection to %s: %v", ps.conn.Addr(), err)
			}
			ps.err = err
			return
		}
		if reply.IsError() {
			if !ps.confirm(reply) {
				return
			}
			continue
		}
		items := reply.Array
		if reply.Kind != redis.KindArray || len(items) < 3 {
			log.Warn("unexpected reply on subscribed connection: %s", reply.String())
			continue
		}
		var msg *Message
		switch items[0].String() {
		case "message":
			msg = &Message{Channel: items[1].String(), Payload: items[2].Str}
		case "pmessage":
			if len(items) == 4 {
				msg = &Message{Pattern: items[1].String(), Channel: items[2].String(), Payload: items[3].Str}
			}
		default:
			if !ps.confirm(reply) {
				return
			}
		}
		if msg != nil {
			select {
			case ps.messages <- msg:
			case <-ps.quit:
				return
			}
		}
	}
}

// confirm hands a subscription reply to change. It gives up once Close is called, since
// nobody may be left to read it.
func (ps *PubSub) confirm(reply *redis.Reply) bool {
	select {
	case ps.confirms <- reply:
		return true
	case <-ps.quit:
		return false
	}
}

func (ps *PubSub) Subscribe(ctx context.Context, channels ...string) (int, error) {
	return ps.change(ctx, "SUBSCRIBE", ps.channels, channels, true)
}

func (ps *PubSub) PSubscribe(ctx context.Context, patterns ...string) (int, error) {
	return ps.change(ctx, "PSUBSCRIBE", ps.patterns, patterns, true)
}

// Unsubscribe without channels leaves every subscribed channel.
func (ps *PubSub) Unsubscribe(ctx context.Context, channels ...string) (int, error) {
	return ps.change(ctx, "UNSUBSCRIBE", ps.channels, channels, false)
}

func (ps *PubSub) PUnsubscribe(ctx context.Context, patterns ...string) (int, error) {
	return ps.change(ctx, "PUNSUBSCRIBE", ps.patterns, patterns, false)
}

// change sends only what alters the subscription set and waits for one confirmation per name.
func (ps *PubSub) change(ctx context.Context, command string, current map[string]struct{}, names []string, add bool) (int, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !add && len(names) == 0 {
		for name := range current {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	var pending []interface{}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		_, subscribed := current[name]
		if subscribed != add && !seen[name] {
			seen[name] = true
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		return ps.count, nil
	}
	if err := ps.conn.Send(redis.NewCommand(command, pending...)); err != nil {
		return ps.count, err
	}
	if err := ps.conn.Flush(ctx); err != nil {
		return ps.count, err
	}
	for range pending {
		select {
		case reply := <-ps.confirms:
			if err := reply.Err(); err != nil {
				return ps.count, err
			}
			name := reply.Array[1].String()
			if add {
				current[name] = struct{}{}
			} else {
				delete(current, name)
			}
			ps.count = int(reply.Array[2].Int)
		case <-ps.done:
			return ps.count, fmt.Errorf("%s: %w", command, ps.err)
		case <-ctx.Done():
			// the confirmation may still arrive, the bookkeeping can no longer be trusted
			_ = ps.Close()
			return ps.count, ctx.Err()
		}
	}
	return ps.count, nil
}

// Count is the number of channels and patterns subscribed.
func (ps *PubSub) Count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.count
}

func (ps *PubSub) Close() error {
	var err error
	ps.once.Do(func() {
		close(ps.quit)
		err = ps.conn.Close()
	})
	<-ps.done
	return err
}
