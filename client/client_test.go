package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"redismap/config"
	"redismap/internal/memstore"
	"redismap/redis"
)

func startServer(t *testing.T, opts memstore.Options) *memstore.Server {
	srv := memstore.New(opts)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func newClient(t *testing.T, addr string, edit func(p *config.ClientProperties), opts ...Option) *Client {
	props := config.Defaults()
	props.Address = addr
	props.MaxConnections = 4
	if edit != nil {
		edit(props)
	}
	c, err := New(props, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustExecute(t *testing.T, c *Client, args ...interface{}) *redis.Reply {
	t.Helper()
	reply, err := c.Execute(context.Background(), redis.NewCommand(args[0].(string), args[1:]...))
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return reply
}

func TestConnFIFOPairing(t *testing.T) {
	srv := startServer(t, memstore.Options{})
	conn, err := Dial(context.Background(), srv.Addr(), time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	const n = 1000
	for i := 0; i < n; i++ {
		if err := conn.Send(redis.NewCommand("ECHO", i)); err != nil {
			t.Fatal(err)
		}
	}
	if conn.Pending() != n {
		t.Fatalf("expected %d pending, got %d", n, conn.Pending())
	}
	if err := conn.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		reply, err := conn.Receive(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if v, _ := reply.Int64(); v != int64(i) {
			t.Fatalf("reply %d out of order: %s", i, reply.String())
		}
	}
	if conn.Pending() != 0 {
		t.Fatalf("expected nothing pending, got %d", conn.Pending())
	}
}

func TestConnTimeoutBreaksConnection(t *testing.T) {
	// a server that accepts and never answers
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		for {
			nc, err := listener.Accept()
			if err != nil {
				return
			}
			defer nc.Close()
		}
	}()
	c := newClient(t, listener.Addr().String(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Execute(ctx, redis.NewCommand("PING"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if size, _ := c.PoolStats(); size != 0 {
		t.Fatalf("expected the timed out connection to be discarded, pool size %d", size)
	}
}

func TestClientModes(t *testing.T) {
	srv := startServer(t, memstore.Options{})
	for _, mode := range []string{config.ModeBlocking, config.ModeReactor} {
		t.Run(mode, func(t *testing.T) {
			c := newClient(t, srv.Addr(), func(p *config.ClientProperties) { p.Mode = mode })
			key := "mode:" + mode
			if reply := mustExecute(t, c, "SET", key, "v"); reply.String() != "OK" {
				t.Fatalf("unexpected reply %s", reply.String())
			}
			if reply := mustExecute(t, c, "GET", key); reply.String() != "v" {
				t.Fatalf("unexpected reply %s", reply.String())
			}
			if reply := mustExecute(t, c, "HGET", key, "f"); !redis.IsServerError(reply.Err(), "WRONGTYPE") {
				t.Fatalf("expected WRONGTYPE as a value, got %s", reply.String())
			}
		})
	}
}

func TestPipelineKeepsErrorsPerCommand(t *testing.T) {
	srv := startServer(t, memstore.Options{})
	c := newClient(t, srv.Addr(), nil)
	p := c.Pipeline()
	p.Add(redis.NewCommand("SET", "s", "text"))
	p.Add(redis.NewCommand("INCR", "s"))
	p.Add(redis.NewCommand("GET", "s"))
	if p.Len() != 3 {
		t.Fatalf("expected 3 commands, got %d", p.Len())
	}
	replies, err := p.Exec(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if replies[0].String() != "OK" || !replies[1].IsError() || replies[2].String() != "text" {
		t.Fatalf("unexpected replies %v", replies)
	}
}

func TestTransaction(t *testing.T) {
	srv := startServer(t, memstore.Options{})
	c := newClient(t, srv.Addr(), nil)
	tx := c.Transaction()
	tx.Add(redis.NewCommand("SADD", "set", "a", "b"))
	tx.Add(redis.NewCommand("SCARD", "set"))
	replies, err := tx.Exec(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 2 || replies[1].Int != 2 {
		t.Fatalf("unexpected replies %v", replies)
	}

	tx = c.Transaction()
	tx.Add(redis.NewCommand("SADD", "set", "c"))
	tx.Add(redis.NewCommand("GET"))
	if _, err = tx.Exec(context.Background()); !errors.Is(err, ErrTxAborted) {
		t.Fatalf("expected ErrTxAborted, got %v", err)
	}
	if reply := mustExecute(t, c, "SCARD", "set"); reply.Int != 2 {
		t.Fatal("an aborted transaction must not apply anything")
	}
}

func TestWatch(t *testing.T) {
	srv := startServer(t, memstore.Options{})
	c := newClient(t, srv.Addr(), nil)
	mustExecute(t, c, "SET", "counter", 1)
	increment := func(interfere bool) error {
		return c.Watch(context.Background(), func(tx *Tx) error {
			reply, err := tx.Execute(context.Background(), redis.NewCommand("GET", "counter"))
			if err != nil {
				return err
			}
			n, _ := reply.Int64()
			if interfere {
				mustExecute(t, c, "SET", "counter", 100)
			}
			tx.Add(redis.NewCommand("SET", "counter", n+1))
			_, err = tx.Exec(context.Background())
			return err
		}, "counter")
	}
	if err := increment(false); err != nil {
		t.Fatal(err)
	}
	if err := increment(true); !errors.Is(err, ErrTxAborted) {
		t.Fatalf("expected ErrTxAborted, got %v", err)
	}
	if reply := mustExecute(t, c, "GET", "counter"); reply.String() != "100" {
		t.Fatalf("unexpected counter %s", reply.String())
	}
}

func TestRetryOnTransportError(t *testing.T) {
	srv := startServer(t, memstore.Options{})
	metrics := NewMetrics(prometheus.NewRegistry())
	c := newClient(t, srv.Addr(), nil, WithMetrics(metrics))
	mustExecute(t, c, "SET", "k", "v")

	// idle connections die with the server side
	srv.CloseClients()
	if reply := mustExecute(t, c, "GET", "k"); reply.String() != "v" {
		t.Fatalf("unexpected reply %s", reply.String())
	}
	srv.DropNext(1)
	if reply := mustExecute(t, c, "GET", "k"); reply.String() != "v" {
		t.Fatalf("unexpected reply %s", reply.String())
	}
	if n := testutil.ToFloat64(metrics.Reconnects); n != 2 {
		t.Fatalf("expected 2 reconnects, got %v", n)
	}

	srv.DropNext(2)
	_, err := c.Execute(context.Background(), redis.NewCommand("GET", "k"))
	if !IsConnError(err) {
		t.Fatalf("expected a transport error after one retry, got %v", err)
	}
	if reply := mustExecute(t, c, "GET", "k"); reply.String() != "v" {
		t.Fatalf("client should recover, got %s", reply.String())
	}
}

func TestConnectionInit(t *testing.T) {
	srv := startServer(t, memstore.Options{Password: "pw", Databases: 4})
	c := newClient(t, srv.Addr(), func(p *config.ClientProperties) {
		p.Password = "pw"
		p.Database = 3
	})
	mustExecute(t, c, "SET", "where", "db3")
	other := newClient(t, srv.Addr(), func(p *config.ClientProperties) { p.Password = "pw" })
	if reply := mustExecute(t, other, "GET", "where"); !reply.IsNil() {
		t.Fatal("SELECT was not applied on connection init")
	}
	bad := newClient(t, srv.Addr(), func(p *config.ClientProperties) { p.Password = "wrong" })
	if _, err := bad.Execute(context.Background(), redis.NewCommand("PING")); !redis.IsServerError(err, "WRONGPASS") {
		t.Fatalf("expected WRONGPASS, got %v", err)
	}
}

func TestPubSub(t *testing.T) {
	srv := startServer(t, memstore.Options{})
	c := newClient(t, srv.Addr(), nil)
	ctx := context.Background()
	ps, err := c.NewPubSub(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()
	if n, err := ps.Subscribe(ctx, "a", "b"); err != nil || n != 2 {
		t.Fatalf("subscribe: %d %v", n, err)
	}
	commands := srv.Stats().Commands
	if n, err := ps.Subscribe(ctx, "a"); err != nil || n != 2 {
		t.Fatalf("re-subscribe: %d %v", n, err)
	}
	if srv.Stats().Commands != commands {
		t.Fatal("re-subscribing should not reach the server")
	}
	if n, err := ps.PSubscribe(ctx, "news.*"); err != nil || n != 3 {
		t.Fatalf("psubscribe: %d %v", n, err)
	}
	if reply := mustExecute(t, c, "PUBLISH", "news.eu", "hello"); reply.Int != 1 {
		t.Fatalf("expected 1 receiver, got %s", reply.String())
	}
	mustExecute(t, c, "PUBLISH", "a", "direct")
	for _, expected := range []Message{
		{Channel: "news.eu", Pattern: "news.*", Payload: []byte("hello")},
		{Channel: "a", Payload: []byte("direct")},
	} {
		select {
		case msg := <-ps.Messages():
			if msg.Channel != expected.Channel || msg.Pattern != expected.Pattern || string(msg.Payload) != string(expected.Payload) {
				t.Fatalf("unexpected message %+v", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}
	if n, err := ps.Unsubscribe(ctx); err != nil || n != 1 {
		t.Fatalf("unsubscribe: %d %v", n, err)
	}
	if n, _ := ps.Unsubscribe(ctx, "a"); n != 1 {
		t.Fatalf("unsubscribing twice should be a no-op, got %d", n)
	}
}

func TestPoolReuse(t *testing.T) {
	srv := startServer(t, memstore.Options{})
	c := newClient(t, srv.Addr(), nil)
	for i := 0; i < 20; i++ {
		mustExecute(t, c, "SET", "k"+strconv.Itoa(i), i)
	}
	if size, idle := c.PoolStats(); size != 1 || idle != 1 {
		t.Fatalf("sequential commands should share one connection, size %d idle %d", size, idle)
	}
	if n := srv.Stats().Connections; n != 1 {
		t.Fatalf("expected one server connection, got %d", n)
	}
}

func TestPubSubCloseWithUnreadConfirmations(t *testing.T) {
	srv := startServer(t, memstore.Options{})
	c := newClient(t, srv.Addr(), nil)
	ctx := context.Background()
	ps, err := c.NewPubSub(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// confirmations nobody waits for, more than the buffer holds
	channels := make([]interface{}, cap(ps.confirms)+4)
	for i := range channels {
		channels[i] = "c" + strconv.Itoa(i)
	}
	if err := ps.conn.Send(redis.NewCommand("SUBSCRIBE", channels...)); err != nil {
		t.Fatal(err)
	}
	if err := ps.conn.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(ps.confirms) < cap(ps.confirms) {
		if time.Now().After(deadline) {
			t.Fatal("confirmations not received")
		}
		time.Sleep(5 * time.Millisecond)
	}
	closed := make(chan error, 1)
	go func() { closed <- ps.Close() }()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on unread confirmations")
	}
}
