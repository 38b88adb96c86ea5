package memstore

import (
	"sort"
	"strings"
	"time"

	"redismap/redis"
	"redismap/util/pattern"
)

func init() {
	registerCommand("ping", execPing, -1)
	registerCommand("echo", execEcho, 2)
	registerCommand("info", execInfo, -1)
	registerCommand("del", execDel, -2)
	registerCommand("unlink", execDel, -2)
	registerCommand("exists", execExists, -2)
	registerCommand("expire", execExpire, 3)
	registerCommand("pexpire", execPExpire, 3)
	registerCommand("persist", execPersist, 2)
	registerCommand("ttl", execTTL, 2)
	registerCommand("pttl", execPTTL, 2)
	registerCommand("type", execType, 2)
	registerCommand("keys", execKeys, 2)
	registerCommand("dbsize", execDBSize, 1)
	registerCommand("flushdb", execFlushDB, 1)
	registerCommand("flushall", execFlushAll, 1)
	registerCommand("rename", execRename, 3)
}

func execPing(ctx *execContext, args [][]byte) *redis.Reply {
	switch len(args) {
	case 0:
		return redis.NewStatusReply("PONG")
	case 1:
		return redis.NewBulkReply(args[0])
	}
	return wrongArgs("ping")
}

func execEcho(ctx *execContext, args [][]byte) *redis.Reply {
	return redis.NewBulkReply(args[0])
}

func execInfo(ctx *execContext, args [][]byte) *redis.Reply {
	var b strings.Builder
	b.WriteString("# Server\r\nredis_mode:memstore\r\nrun_id:")
	b.WriteString(ctx.srv.runID)
	b.WriteString("\r\n# Keyspace\r\n")
	for i, ks := range ctx.srv.dbs {
		if n := ks.size(); n > 0 {
			b.WriteString("db")
			b.WriteString(formatInt(i))
			b.WriteString(":keys=")
			b.WriteString(formatInt(n))
			b.WriteString("\r\n")
		}
	}
	return redis.NewBulkStringReply(b.String())
}

func execDel(ctx *execContext, args [][]byte) *redis.Reply {
	count := 0
	for _, key := range args {
		if ctx.db.remove(string(key)) {
			count++
		}
	}
	return redis.NewIntegerReply(int64(count))
}

func execExists(ctx *execContext, args [][]byte) *redis.Reply {
	count := 0
	for _, key := range args {
		if _, ok := ctx.db.get(string(key)); ok {
			count++
		}
	}
	return redis.NewIntegerReply(int64(count))
}

func expireReply(ctx *execContext, key []byte, ttl time.Duration) *redis.Reply {
	if ttl <= 0 {
		if ctx.db.remove(string(key)) {
			return redis.NewIntegerReply(1)
		}
		return redis.NewIntegerReply(0)
	}
	if ctx.db.expireAt(string(key), time.Now().Add(ttl)) {
		return redis.NewIntegerReply(1)
	}
	return redis.NewIntegerReply(0)
}

func execExpire(ctx *execContext, args [][]byte) *redis.Reply {
	seconds, ok := parseInt(args[1])
	if !ok {
		return redis.NewErrorReply(errNotInteger)
	}
	return expireReply(ctx, args[0], time.Duration(seconds)*time.Second)
}

func execPExpire(ctx *execContext, args [][]byte) *redis.Reply {
	ms, ok := parseInt(args[1])
	if !ok {
		return redis.NewErrorReply(errNotInteger)
	}
	return expireReply(ctx, args[0], time.Duration(ms)*time.Millisecond)
}

func execPersist(ctx *execContext, args [][]byte) *redis.Reply {
	if ctx.db.persist(string(args[0])) {
		return redis.NewIntegerReply(1)
	}
	return redis.NewIntegerReply(0)
}

func execTTL(ctx *execContext, args [][]byte) *redis.Reply {
	ttl := ctx.db.ttl(string(args[0]))
	if ttl < 0 {
		return redis.NewIntegerReply(int64(ttl))
	}
	return redis.NewIntegerReply(int64((ttl + time.Second/2) / time.Second))
}

func execPTTL(ctx *execContext, args [][]byte) *redis.Reply {
	ttl := ctx.db.ttl(string(args[0]))
	if ttl < 0 {
		return redis.NewIntegerReply(int64(ttl))
	}
	return redis.NewIntegerReply(ttl.Milliseconds())
}

func execType(ctx *execContext, args [][]byte) *redis.Reply {
	v, ok := ctx.db.get(string(args[0]))
	if !ok {
		return redis.NewStatusReply("none")
	}
	return redis.NewStatusReply(typeOf(v))
}

// matchKeys returns the sorted keys matching a glob pattern.
func matchKeys(ks *keyspace, p string) []string {
	compiled := pattern.Compile(p)
	var result []string
	for _, key := range ks.keys() {
		if compiled.Matches(key) {
			result = append(result, key)
		}
	}
	sort.Strings(result)
	return result
}

func execKeys(ctx *execContext, args [][]byte) *redis.Reply {
	return redis.NewStringArrayReply(matchKeys(ctx.db, string(args[0])))
}

func execDBSize(ctx *execContext, args [][]byte) *redis.Reply {
	return redis.NewIntegerReply(int64(ctx.db.size()))
}

func execFlushDB(ctx *execContext, args [][]byte) *redis.Reply {
	ctx.db.flush()
	return redis.OKReply
}

func execFlushAll(ctx *execContext, args [][]byte) *redis.Reply {
	for _, ks := range ctx.srv.dbs {
		ks.flush()
	}
	return redis.OKReply
}

func execRename(ctx *execContext, args [][]byte) *redis.Reply {
	src, dst := string(args[0]), string(args[1])
	v, ok := ctx.db.get(src)
	if !ok {
		return redis.NewErrorReply("ERR no such key")
	}
	at, hasTTL := ctx.db.expires[src]
	ctx.db.remove(src)
	ctx.db.put(dst, v)
	if hasTTL {
		ctx.db.expireAt(dst, at)
	}
	return redis.OKReply
}
