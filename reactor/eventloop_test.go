package reactor

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"redismap/internal/memstore"
	"redismap/redis"
)

func startLoop(t *testing.T) (*EventLoop, *memstore.Server) {
	srv := memstore.New(memstore.Options{})
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	loop, err := NewEventLoop()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = loop.Close()
		_ = srv.Close()
	})
	return loop, srv
}

func TestEventLoopPipeline(t *testing.T) {
	loop, srv := startLoop(t)
	conn, err := loop.Dial(context.Background(), srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	const n = 1000
	cmds := make([]*redis.Command, n)
	for i := range cmds {
		cmds[i] = redis.NewCommand("ECHO", strconv.Itoa(i)+"-"+string(make([]byte, i%64)))
	}
	replies, err := conn.Do(context.Background(), cmds)
	if err != nil {
		t.Fatal(err)
	}
	for i, reply := range replies {
		if string(reply.Str) != string(cmds[i].Args()[0]) {
			t.Fatalf("reply %d out of order: %q", i, reply.Str)
		}
	}
}

func TestEventLoopConcurrentCalls(t *testing.T) {
	loop, srv := startLoop(t)
	conns := make([]*Conn, 4)
	for i := range conns {
		conn, err := loop.Dial(context.Background(), srv.Addr())
		if err != nil {
			t.Fatal(err)
		}
		conns[i] = conn
	}
	var wg sync.WaitGroup
	errs := make(chan string, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := conns[i%len(conns)]
			key := "k" + strconv.Itoa(i)
			replies, err := conn.Do(context.Background(), []*redis.Command{
				redis.NewCommand("SET", key, i),
				redis.NewCommand("GET", key),
			})
			if err != nil {
				errs <- err.Error()
				return
			}
			if v, _ := replies[1].Int64(); v != int64(i) {
				errs <- key + " got " + replies[1].String()
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestEventLoopServerGone(t *testing.T) {
	loop, srv := startLoop(t)
	conn, err := loop.Dial(context.Background(), srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	srv.CloseClients()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	deadline := time.Now().Add(2 * time.Second)
	for !conn.Broken() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := conn.Do(ctx, []*redis.Command{redis.NewCommand("PING")}); err == nil {
		t.Fatal("expected an error on a connection closed by the server")
	}
	if !conn.Broken() {
		t.Fatal("expected the connection to be broken")
	}
}
