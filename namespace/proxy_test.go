package namespace_test

import (
	"context"
	"errors"
	"sort"
	"testing"

	"redismap/internal/testkit"
	"redismap/namespace"
	"redismap/redis"
)

func newProxy(t *testing.T, env *testkit.Env, prefix string) *namespace.Proxy {
	p, err := namespace.New(env.Client, prefix, env.Registry)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPrefixTransparency(t *testing.T) {
	env := testkit.New(t)
	ctx := context.Background()
	p := newProxy(t, env, "tenant:")
	if _, err := p.Execute(ctx, redis.NewCommand("SET", "k", "v")); err != nil {
		t.Fatal(err)
	}
	reply, err := env.Client.Execute(ctx, redis.NewCommand("GET", "tenant:k"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.String() != "v" {
		t.Fatalf("expect v under the physical key, got %s", reply.String())
	}
	if reply, _ := env.Client.Execute(ctx, redis.NewCommand("GET", "k")); !reply.IsNil() {
		t.Fatal("the unprefixed key must not exist")
	}
	if reply, _ := p.Execute(ctx, redis.NewCommand("GET", "k")); reply.String() != "v" {
		t.Fatalf("expect v through the proxy, got %s", reply.String())
	}
	if p.Key("k") != "tenant:k" || p.Addr() != env.Client.Addr() {
		t.Fatal("unexpected key or address")
	}
}

func TestForbiddenCommands(t *testing.T) {
	env := testkit.New(t)
	p := newProxy(t, env, "a:")
	for _, name := range []string{"FLUSHDB", "KEYS", "DBSIZE", "SCAN"} {
		if _, err := p.Execute(context.Background(), redis.NewCommand(name)); !errors.Is(err, namespace.ErrForbidden) {
			t.Fatalf("%s: expect ErrForbidden, got %v", name, err)
		}
	}
	if env.Server.Stats().Commands != 0 {
		t.Fatal("rejected commands must not reach the server")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	env := testkit.New(t)
	ctx := context.Background()
	a := newProxy(t, env, "a:")
	b := newProxy(t, env, "b:")
	for _, p := range []*namespace.Proxy{a, b} {
		for _, key := range []string{"x", "y", "z"} {
			if _, err := p.Execute(ctx, redis.NewCommand("SET", key, p.Prefix())); err != nil {
				t.Fatal(err)
			}
		}
	}
	keys, err := a.Keys(ctx, "*")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	if len(keys) != 3 || keys[0] != "x" || keys[2] != "z" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if n, err := a.FlushDB(ctx); err != nil || n != 3 {
		t.Fatalf("flush: %d %v", n, err)
	}
	if n, _ := a.DBSize(ctx); n != 0 {
		t.Fatalf("expect an empty namespace, got %d keys", n)
	}
	if n, _ := b.DBSize(ctx); n != 3 {
		t.Fatalf("the other namespace must be untouched, got %d keys", n)
	}
	if reply, _ := b.Execute(ctx, redis.NewCommand("GET", "x")); reply.String() != "b:" {
		t.Fatalf("unexpected value %s", reply.String())
	}
}

func TestNestedPrefixes(t *testing.T) {
	env := testkit.New(t)
	ctx := context.Background()
	for _, prefix := range []string{"", ":", "t1", "t1:x:", "a:b"} {
		if _, err := namespace.New(env.Client, prefix, env.Registry); !errors.Is(err, namespace.ErrInvalidPrefix) {
			t.Fatalf("%q: expect ErrInvalidPrefix, got %v", prefix, err)
		}
	}
	short := newProxy(t, env, "t1:")
	long := newProxy(t, env, "t10:")
	if _, err := long.Execute(ctx, redis.NewCommand("SET", "k", "v")); err != nil {
		t.Fatal(err)
	}
	if n, _ := short.DBSize(ctx); n != 0 {
		t.Fatalf("expect no keys under t1:, got %d", n)
	}
	if n, err := short.FlushDB(ctx); err != nil || n != 0 {
		t.Fatalf("flush: %d %v", n, err)
	}
	if reply, _ := long.Execute(ctx, redis.NewCommand("GET", "k")); reply.String() != "v" {
		t.Fatal("flushing t1: must leave t10: untouched")
	}
}

func TestGlobPrefix(t *testing.T) {
	env := testkit.New(t)
	ctx := context.Background()
	glob := newProxy(t, env, "a*:")
	plain := newProxy(t, env, "ab:")
	if _, err := plain.Execute(ctx, redis.NewCommand("SET", "k", "v")); err != nil {
		t.Fatal(err)
	}
	if n, _ := glob.DBSize(ctx); n != 0 {
		t.Fatalf("a prefix with glob characters must match only itself, got %d keys", n)
	}
}

func TestReplyRewrite(t *testing.T) {
	env := testkit.New(t)
	ctx := context.Background()
	p := newProxy(t, env, "q:")
	if _, err := p.Execute(ctx, redis.NewCommand("RPUSH", "jobs", "j1")); err != nil {
		t.Fatal(err)
	}
	reply, err := p.Execute(ctx, redis.NewCommand("BLPOP", "jobs", 1))
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := reply.Strings(); len(got) != 2 || got[0] != "jobs" || got[1] != "j1" {
		t.Fatalf("unexpected reply %v", got)
	}
}

func TestBatches(t *testing.T) {
	env := testkit.New(t)
	ctx := context.Background()
	p := newProxy(t, env, "n:")
	pipe := p.Pipeline()
	pipe.Add(redis.NewCommand("SADD", "s", "a", "b"))
	pipe.Add(redis.NewCommand("RPUSH", "l", "x"))
	pipe.Add(redis.NewCommand("BRPOP", "l", 1))
	replies, err := pipe.Exec(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := replies[2].Strings(); got[0] != "l" {
		t.Fatalf("unexpected reply %v", got)
	}

	tx := p.Transaction()
	tx.Add(redis.NewCommand("SREM", "s", "a"))
	tx.Add(redis.NewCommand("SCARD", "s"))
	replies, err = tx.Exec(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if replies[1].Int != 1 {
		t.Fatalf("unexpected reply %s", replies[1].String())
	}
	if reply, _ := env.Client.Execute(ctx, redis.NewCommand("SCARD", "n:s")); reply.Int != 1 {
		t.Fatal("transaction did not run against the prefixed key")
	}

	bad := p.Pipeline()
	bad.Add(redis.NewCommand("SET", "k", "v"))
	bad.Add(redis.NewCommand("FLUSHALL"))
	if _, err := bad.Exec(ctx); !errors.Is(err, namespace.ErrForbidden) {
		t.Fatalf("expect ErrForbidden, got %v", err)
	}
	if reply, _ := env.Client.Execute(ctx, redis.NewCommand("EXISTS", "n:k")); reply.Int != 0 {
		t.Fatal("a rejected batch must not send anything")
	}
}

func TestScriptsThroughProxy(t *testing.T) {
	env := testkit.New(t)
	ctx := context.Background()
	p := newProxy(t, env, "s:")
	if _, err := p.Execute(ctx, redis.NewCommand("ZADD", "idx", 1, "a", 5, "b")); err != nil {
		t.Fatal(err)
	}
	reply, err := env.Registry.Call(ctx, p, "move2set", []string{"idx", "out"}, 2, "+inf", 0)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Int != 1 {
		t.Fatalf("unexpected reply %s", reply.String())
	}
	if reply, _ := env.Client.Execute(ctx, redis.NewCommand("SMEMBERS", "s:out")); len(reply.Array) != 1 {
		t.Fatal("script keys must be prefixed")
	}
}
