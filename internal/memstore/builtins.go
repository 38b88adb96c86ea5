package memstore

import (
	"strconv"

	"redismap/redis"
)

// Builtins are native implementations of the built-in Lua scripts, keyed by script name.
// Bound to the hash of the matching Lua body, one runs in place of that body.
var Builtins = map[string]ScriptFunc{
	"move2set":     move2Set,
	"countpattern": countPattern,
	"delpattern":   delPattern,
	"keyspattern":  keysPattern,
	"fkjoin":       fkJoin,
}

func replyStrings(r *redis.Reply) []string {
	items, _ := r.Strings()
	return items
}

// expireIf sets a ttl only when it is a positive number of seconds.
func expireIf(call func(args ...string) *redis.Reply, key, ttl string) {
	if seconds, err := strconv.ParseInt(ttl, 10, 64); err == nil && seconds > 0 {
		call("expire", key, ttl)
	}
}

func errorOr(reply *redis.Reply, fn func() *redis.Reply) *redis.Reply {
	if reply.IsError() {
		return reply
	}
	return fn()
}

// move2set: KEYS = sorted index, destination set; ARGV = min, max, optional ttl seconds.
func move2Set(call func(args ...string) *redis.Reply, keys, argv []string) *redis.Reply {
	if len(keys) != 2 || len(argv) < 2 {
		return redis.NewErrorReply("ERR move2set expects 2 keys and min, max")
	}
	members := call("zrangebyscore", keys[0], argv[0], argv[1])
	if members.IsError() {
		return members
	}
	call("del", keys[1])
	if len(members.Array) > 0 {
		cmd := append([]string{"sadd", keys[1]}, replyStrings(members)...)
		if reply := call(cmd...); reply.IsError() {
			return reply
		}
		if len(argv) > 2 {
			expireIf(call, keys[1], argv[2])
		}
	}
	return redis.NewIntegerReply(int64(len(members.Array)))
}

// countpattern: KEYS[1] = glob pattern.
func countPattern(call func(args ...string) *redis.Reply, keys, argv []string) *redis.Reply {
	reply := call("keys", keys[0])
	return errorOr(reply, func() *redis.Reply {
		return redis.NewIntegerReply(int64(len(reply.Array)))
	})
}

// delpattern: KEYS[1] = glob pattern, returns the number of deleted keys.
func delPattern(call func(args ...string) *redis.Reply, keys, argv []string) *redis.Reply {
	reply := call("keys", keys[0])
	if reply.IsError() || len(reply.Array) == 0 {
		return errorOr(reply, func() *redis.Reply { return redis.NewIntegerReply(0) })
	}
	return call(append([]string{"del"}, replyStrings(reply)...)...)
}

// keyspattern: KEYS[1] = glob pattern.
func keysPattern(call func(args ...string) *redis.Reply, keys, argv []string) *redis.Reply {
	return call("keys", keys[0])
}

// fkjoin: KEYS = related id set, destination set, index base; ARGV[1] = ttl seconds.
// The destination becomes the union of <base><id> for every related id.
func fkJoin(call func(args ...string) *redis.Reply, keys, argv []string) *redis.Reply {
	if len(keys) != 3 {
		return redis.NewErrorReply("ERR fkjoin expects 3 keys")
	}
	ids := call("smembers", keys[0])
	if ids.IsError() {
		return ids
	}
	call("del", keys[1])
	if len(ids.Array) > 0 {
		cmd := []string{"sunionstore", keys[1]}
		for _, id := range replyStrings(ids) {
			cmd = append(cmd, keys[2]+id)
		}
		if reply := call(cmd...); reply.IsError() {
			return reply
		}
		if len(argv) > 0 {
			expireIf(call, keys[1], argv[0])
		}
	}
	return call("scard", keys[1])
}

// BindBuiltin binds the native implementation of the named built-in script to sha. It
// reports false for names without one, such as helper-only scripts.
func (s *Server) BindBuiltin(name, sha string) bool {
	fn, ok := Builtins[name]
	if ok {
		s.Bind(sha, fn)
	}
	return ok
}
