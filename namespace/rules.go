package namespace

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"redismap/redis"
)

var (
	// ErrForbidden rejects commands that act on the whole physical keyspace.
	ErrForbidden = errors.New("command not allowed under a namespace")
	// ErrUnknownCommand rejects commands with no known key layout.
	ErrUnknownCommand = errors.New("unknown command")
	ErrSyntax         = errors.New("syntax error")
)

// rule says which operands of a command are keys.
type rule uint8

const (
	ruleNone rule = iota
	ruleFirst
	ruleAll
	ruleAllButFirst
	ruleAllButLast
	rulePairs
	ruleStore
	ruleSort
	ruleEval
	ruleForbidden
)

type rewriteFunc func(prefix []byte, args [][]byte) ([][]byte, error)

var rewriters = [...]rewriteFunc{
	ruleNone:        func(_ []byte, args [][]byte) ([][]byte, error) { return args, nil },
	ruleFirst:       prefixFirst,
	ruleAll:         prefixAll,
	ruleAllButFirst: prefixAllButFirst,
	ruleAllButLast:  prefixAllButLast,
	rulePairs:       prefixPairs,
	ruleStore:       prefixStore,
	ruleSort:        prefixSort,
	ruleEval:        prefixEval,
	ruleForbidden:   nil,
}

// commandRule is the rule of every supported command, with the post-processor its reply needs.
type commandRule struct {
	rule rule
	post redis.PostProcess
}

var commandRules = make(map[string]commandRule)

func register(r rule, post redis.PostProcess, names ...string) {
	for _, name := range names {
		commandRules[name] = commandRule{rule: r, post: post}
	}
}

func init() {
	register(ruleNone, redis.PostNone,
		"PING", "ECHO", "INFO", "TIME", "AUTH", "QUIT", "MULTI", "EXEC", "DISCARD", "UNWATCH",
		"SCRIPT", "PUBLISH")
	register(ruleFirst, redis.PostNone,
		// strings
		"GET", "SET", "SETNX", "SETEX", "PSETEX", "GETSET", "GETDEL", "APPEND", "STRLEN",
		"INCR", "INCRBY", "INCRBYFLOAT", "DECR", "DECRBY", "GETRANGE", "SETRANGE",
		// keys
		"EXPIRE", "PEXPIRE", "EXPIREAT", "PEXPIREAT", "TTL", "PTTL", "PERSIST", "TYPE",
		// hashes
		"HSET", "HSETNX", "HGET", "HMSET", "HMGET", "HGETALL", "HDEL", "HEXISTS", "HLEN",
		"HKEYS", "HVALS", "HINCRBY", "HINCRBYFLOAT", "HSTRLEN",
		// sets
		"SADD", "SREM", "SCARD", "SISMEMBER", "SMEMBERS", "SPOP", "SRANDMEMBER",
		// sorted sets
		"ZADD", "ZREM", "ZSCORE", "ZCARD", "ZRANK", "ZREVRANK", "ZCOUNT", "ZINCRBY",
		"ZRANGE", "ZREVRANGE", "ZRANGEBYSCORE", "ZREVRANGEBYSCORE",
		"ZREMRANGEBYSCORE", "ZREMRANGEBYRANK",
		// lists
		"LPUSH", "RPUSH", "LPOP", "RPOP", "LLEN", "LRANGE", "LINDEX", "LSET", "LREM", "LTRIM")
	register(ruleAll, redis.PostNone,
		"DEL", "UNLINK", "EXISTS", "MGET", "WATCH", "RENAME", "RENAMENX", "RPOPLPUSH",
		"SINTER", "SUNION", "SDIFF", "SINTERSTORE", "SUNIONSTORE", "SDIFFSTORE")
	register(ruleAllButFirst, redis.PostNone, "BITOP", "OBJECT")
	register(ruleAllButLast, redis.PostNone, "SMOVE")
	register(ruleAllButLast, redis.PostStripFirst, "BLPOP", "BRPOP")
	register(rulePairs, redis.PostNone, "MSET", "MSETNX")
	register(ruleStore, redis.PostNone, "ZINTERSTORE", "ZUNIONSTORE")
	register(ruleSort, redis.PostNone, "SORT")
	register(ruleEval, redis.PostNone, "EVAL", "EVALSHA")
	register(ruleForbidden, redis.PostNone,
		"FLUSHDB", "FLUSHALL", "KEYS", "DBSIZE", "RANDOMKEY", "SCAN", "SWAPDB", "MOVE",
		"MIGRATE", "SELECT")
}

// rewrite returns cmd with every key operand prefixed, carrying the post-processor its
// reply needs.
func rewrite(prefix []byte, cmd *redis.Command) (*redis.Command, error) {
	name := cmd.Name()
	cr, ok := commandRules[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownCommand, name)
	}
	if cr.rule == ruleForbidden {
		return nil, fmt.Errorf("%s: %w", name, ErrForbidden)
	}
	args, err := rewriters[cr.rule](prefix, cmd.Args())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	parts := make([][]byte, 0, len(args)+1)
	parts = append(parts, cmd.Parts()[0])
	parts = append(parts, args...)
	return redis.NewCommandArgs(parts).WithPostProcess(cr.post), nil
}

func withPrefix(prefix, key []byte) []byte {
	b := make([]byte, 0, len(prefix)+len(key))
	b = append(b, prefix...)
	return append(b, key...)
}

// prefixed copies args, prefixing the positions for which isKey is true.
func prefixed(prefix []byte, args [][]byte, isKey func(i int) bool) [][]byte {
	out := make([][]byte, len(args))
	for i, arg := range args {
		if isKey(i) {
			out[i] = withPrefix(prefix, arg)
		} else {
			out[i] = arg
		}
	}
	return out
}

func prefixFirst(prefix []byte, args [][]byte) ([][]byte, error) {
	return prefixed(prefix, args, func(i int) bool { return i == 0 }), nil
}

func prefixAll(prefix []byte, args [][]byte) ([][]byte, error) {
	return prefixed(prefix, args, func(int) bool { return true }), nil
}

func prefixAllButFirst(prefix []byte, args [][]byte) ([][]byte, error) {
	return prefixed(prefix, args, func(i int) bool { return i > 0 }), nil
}

func prefixAllButLast(prefix []byte, args [][]byte) ([][]byte, error) {
	return prefixed(prefix, args, func(i int) bool { return i < len(args)-1 }), nil
}

func prefixPairs(prefix []byte, args [][]byte) ([][]byte, error) {
	if len(args)%2 != 0 {
		return nil, ErrSyntax
	}
	return prefixed(prefix, args, func(i int) bool { return i%2 == 0 }), nil
}

func parseNumKeys(arg []byte, available int) (int, error) {
	n, err := strconv.Atoi(string(arg))
	if err != nil || n < 0 || n > available {
		return 0, ErrSyntax
	}
	return n, nil
}

// prefixStore handles dest numkeys key [key ...] [WEIGHTS ...] [AGGREGATE ...].
func prefixStore(prefix []byte, args [][]byte) ([][]byte, error) {
	if len(args) < 2 {
		return nil, ErrSyntax
	}
	n, err := parseNumKeys(args[1], len(args)-2)
	if err != nil {
		return nil, err
	}
	return prefixed(prefix, args, func(i int) bool { return i == 0 || (i >= 2 && i < 2+n) }), nil
}

// prefixEval handles script numkeys key [key ...] arg [arg ...].
func prefixEval(prefix []byte, args [][]byte) ([][]byte, error) {
	if len(args) < 2 {
		return nil, ErrSyntax
	}
	n, err := parseNumKeys(args[1], len(args)-2)
	if err != nil {
		return nil, err
	}
	return prefixed(prefix, args, func(i int) bool { return i >= 2 && i < 2+n }), nil
}

// prefixSort handles key [BY pattern] [LIMIT offset count] [GET pattern ...] [ASC|DESC]
// [ALPHA] [STORE destination]. The patterns of BY and GET name keys too, except the
// special values nosort and #.
func prefixSort(prefix []byte, args [][]byte) ([][]byte, error) {
	if len(args) == 0 {
		return nil, ErrSyntax
	}
	out := make([][]byte, len(args))
	out[0] = withPrefix(prefix, args[0])
	for i := 1; i < len(args); i++ {
		out[i] = args[i]
		keyword := strings.ToUpper(string(args[i]))
		switch keyword {
		case "LIMIT":
			if i+2 >= len(args) {
				return nil, ErrSyntax
			}
			out[i+1], out[i+2] = args[i+1], args[i+2]
			i += 2
		case "BY", "GET", "STORE":
			if i+1 >= len(args) {
				return nil, ErrSyntax
			}
			i++
			value := string(args[i])
			if (keyword == "BY" && strings.EqualFold(value, "nosort")) || (keyword == "GET" && value == "#") {
				out[i] = args[i]
			} else {
				out[i] = withPrefix(prefix, args[i])
			}
		}
	}
	return out, nil
}

// strip removes prefix from the key names a reply carries, as selected by post.
func strip(prefix []byte, post redis.PostProcess, reply *redis.Reply) *redis.Reply {
	if reply == nil || reply.Kind != redis.KindArray || reply.Nil {
		return reply
	}
	switch post {
	case redis.PostStripFirst:
		if len(reply.Array) == 0 {
			return reply
		}
		items := append([]*redis.Reply(nil), reply.Array...)
		items[0] = stripBulk(prefix, items[0])
		return redis.NewArrayReply(items)
	case redis.PostStripKeys:
		items := make([]*redis.Reply, len(reply.Array))
		for i, item := range reply.Array {
			items[i] = stripBulk(prefix, item)
		}
		return redis.NewArrayReply(items)
	}
	return reply
}

func stripBulk(prefix []byte, reply *redis.Reply) *redis.Reply {
	if reply.Kind != redis.KindBulk || reply.Nil || len(reply.Str) < len(prefix) ||
		string(reply.Str[:len(prefix)]) != string(prefix) {
		return reply
	}
	return redis.NewBulkReply(reply.Str[len(prefix):])
}
