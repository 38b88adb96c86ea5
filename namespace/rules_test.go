package namespace

import (
	"errors"
	"testing"

	"redismap/redis"
)

func TestRewrite(t *testing.T) {
	testCases := []struct {
		name     string
		cmd      *redis.Command
		expected string
		post     redis.PostProcess
	}{
		{"none", redis.NewCommand("PING"), "PING", redis.PostNone},
		{"first", redis.NewCommand("HSET", "h", "f", "v"), "HSET p:h f v", redis.PostNone},
		{"all", redis.NewCommand("DEL", "a", "b"), "DEL p:a p:b", redis.PostNone},
		{"all but first", redis.NewCommand("BITOP", "AND", "d", "a"), "BITOP AND p:d p:a", redis.PostNone},
		{"all but last", redis.NewCommand("SMOVE", "a", "b", "m"), "SMOVE p:a p:b m", redis.PostNone},
		{"blocking pop", redis.NewCommand("BLPOP", "a", "b", 0), "BLPOP p:a p:b 0", redis.PostStripFirst},
		{"pairs", redis.NewCommand("MSET", "a", "1", "b", "2"), "MSET p:a 1 p:b 2", redis.PostNone},
		{
			"store",
			redis.NewCommand("ZINTERSTORE", "d", 2, "a", "b", "WEIGHTS", 0, 1),
			"ZINTERSTORE p:d 2 p:a p:b WEIGHTS 0 1",
			redis.PostNone,
		},
		{
			"eval",
			redis.NewCommand("EVALSHA", "abc", 2, "k1", "k2", "v1", "k3"),
			"EVALSHA abc 2 p:k1 p:k2 v1 k3",
			redis.PostNone,
		},
		{
			"sort",
			redis.NewCommand("SORT", "ids", "BY", "w_*", "LIMIT", 0, 10, "GET", "#", "GET", "o_*", "DESC", "STORE", "out"),
			"SORT p:ids BY p:w_* LIMIT 0 10 GET # GET p:o_* DESC STORE p:out",
			redis.PostNone,
		},
		{"sort nosort", redis.NewCommand("sort", "ids", "by", "nosort"), "sort p:ids by nosort", redis.PostNone},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := rewrite([]byte("p:"), tc.cmd)
			if err != nil {
				t.Fatal(err)
			}
			if got.String() != tc.expected {
				t.Logf("expect %q, got %q", tc.expected, got.String())
				t.FailNow()
			}
			if got.PostProcess() != tc.post {
				t.Fatalf("unexpected post-processor %d", got.PostProcess())
			}
		})
	}
}

func TestRewriteRejects(t *testing.T) {
	testCases := []struct {
		cmd *redis.Command
		err error
	}{
		{redis.NewCommand("FLUSHALL"), ErrForbidden},
		{redis.NewCommand("keys", "*"), ErrForbidden},
		{redis.NewCommand("SELECT", 1), ErrForbidden},
		{redis.NewCommand("FROBNICATE", "k"), ErrUnknownCommand},
		{redis.NewCommand("MSET", "a", "1", "b"), ErrSyntax},
		{redis.NewCommand("EVALSHA", "abc", 3, "k"), ErrSyntax},
		{redis.NewCommand("ZUNIONSTORE", "d", "x", "a"), ErrSyntax},
		{redis.NewCommand("SORT", "k", "LIMIT", 0), ErrSyntax},
	}
	for _, tc := range testCases {
		t.Run(tc.cmd.String(), func(t *testing.T) {
			if _, err := rewrite([]byte("p:"), tc.cmd); !errors.Is(err, tc.err) {
				t.Fatalf("expect %v, got %v", tc.err, err)
			}
		})
	}
}

func TestStrip(t *testing.T) {
	reply := redis.NewArrayReply([]*redis.Reply{
		redis.NewBulkStringReply("p:list"),
		redis.NewBulkStringReply("p:value"),
	})
	first := strip([]byte("p:"), redis.PostStripFirst, reply)
	if got, _ := first.Strings(); got[0] != "list" || got[1] != "p:value" {
		t.Fatalf("unexpected reply %v", got)
	}
	all := strip([]byte("p:"), redis.PostStripKeys, reply)
	if got, _ := all.Strings(); got[0] != "list" || got[1] != "value" {
		t.Fatalf("unexpected reply %v", got)
	}
	if got, _ := reply.Strings(); got[0] != "p:list" {
		t.Fatal("strip must not modify the original reply")
	}
	if strip([]byte("p:"), redis.PostStripFirst, redis.NilArrayReply) != redis.NilArrayReply {
		t.Fatal("expect a nil reply to pass through")
	}
}
