package reactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"redismap/redis"
)

type fakeTransport struct {
	mu      sync.Mutex
	written []byte
	closed  bool
}

func (t *fakeTransport) write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, p...)
	return nil
}

func (t *fakeTransport) flush() error {
	return nil
}

func (t *fakeTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type result struct {
	replies []*redis.Reply
	err     error
}

func doAsync(ctx context.Context, c *Conn, cmds ...*redis.Command) <-chan result {
	ch := make(chan result, 1)
	go func() {
		replies, err := c.Do(ctx, cmds)
		ch <- result{replies, err}
	}()
	return ch
}

func waitPending(t *testing.T, c *Conn, n int) {
	deadline := time.Now().Add(2 * time.Second)
	for c.Pending() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending calls, got %d", n, c.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnCompletesInOrder(t *testing.T) {
	ft := &fakeTransport{}
	c := newConn("fake", ft)
	first := doAsync(context.Background(), c, redis.NewCommand("GET", "a"), redis.NewCommand("GET", "b"))
	waitPending(t, c, 1)
	second := doAsync(context.Background(), c, redis.NewCommand("PING"))
	waitPending(t, c, 2)

	// replies split at awkward places
	for _, chunk := range []string{"$1\r\n", "1\r", "\n$-1", "\r\n+PO", "NG\r\n"} {
		c.onRead([]byte(chunk))
	}
	r1 := <-first
	r2 := <-second
	if r1.err != nil || len(r1.replies) != 2 || r1.replies[0].String() != "1" || !r1.replies[1].IsNil() {
		t.Fatalf("unexpected first result %v %v", r1.replies, r1.err)
	}
	if r2.err != nil || r2.replies[0].String() != "PONG" {
		t.Fatalf("unexpected second result %v %v", r2.replies, r2.err)
	}
	expected := string(redis.EncodeAll([]*redis.Command{redis.NewCommand("GET", "a"), redis.NewCommand("GET", "b")})) +
		string(redis.Encode(redis.NewCommand("PING")))
	if string(ft.written) != expected {
		t.Fatalf("unexpected bytes written %q", ft.written)
	}
}

func TestConnCancelDetaches(t *testing.T) {
	ft := &fakeTransport{}
	c := newConn("fake", ft)
	ctx, cancel := context.WithCancel(context.Background())
	first := doAsync(ctx, c, redis.NewCommand("GET", "slow"))
	waitPending(t, c, 1)
	cancel()
	if r := <-first; !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", r.err)
	}
	if c.Broken() {
		t.Fatal("a call cancelled before its reply started should leave the connection usable")
	}
	second := doAsync(context.Background(), c, redis.NewCommand("GET", "fast"))
	waitPending(t, c, 2)
	c.onRead([]byte("$4\r\nslow\r\n$4\r\nfast\r\n"))
	r := <-second
	if r.err != nil || r.replies[0].String() != "fast" {
		t.Fatalf("detached reply leaked into the next call: %v %v", r.replies, r.err)
	}
	if c.Pending() != 0 || c.Broken() {
		t.Fatal("connection should be idle and healthy")
	}
}

func TestConnCancelMidReplyBreaks(t *testing.T) {
	ft := &fakeTransport{}
	c := newConn("fake", ft)
	ctx, cancel := context.WithCancel(context.Background())
	first := doAsync(ctx, c, redis.NewCommand("GET", "k"))
	waitPending(t, c, 1)
	c.onRead([]byte("$10\r\nhalf"))
	cancel()
	if r := <-first; !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", r.err)
	}
	if !c.Broken() || !ft.closed {
		t.Fatal("a partially read reply must close the connection")
	}
	if _, err := c.Do(context.Background(), []*redis.Command{redis.NewCommand("PING")}); err == nil {
		t.Fatal("a broken connection must refuse new calls")
	}
}

func TestConnFailures(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		pending bool
	}{
		{"protocol error", "?bad\r\n", true},
		{"unexpected reply", "+OK\r\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{}
			c := newConn("fake", ft)
			var ch <-chan result
			if tt.pending {
				ch = doAsync(context.Background(), c, redis.NewCommand("PING"))
				waitPending(t, c, 1)
			}
			c.onRead([]byte(tt.input))
			if !c.Broken() || !ft.closed {
				t.Fatal("expected the connection to be closed")
			}
			if ch != nil {
				if r := <-ch; !redis.IsProtocolError(r.err) {
					t.Fatalf("expected a protocol error, got %v", r.err)
				}
			}
		})
	}
}
