package memstore

import (
	"strconv"
	"strings"
	"time"

	"redismap/redis"
)

func init() {
	registerCommand("get", execGet, 2)
	registerCommand("set", execSet, -3)
	registerCommand("setnx", execSetNX, 3)
	registerCommand("mget", execMGet, -2)
	registerCommand("mset", execMSet, -3)
	registerCommand("incr", execIncr, 2)
	registerCommand("incrby", execIncrBy, 3)
	registerCommand("decr", execDecr, 2)
}

func getString(ks *keyspace, key string) ([]byte, bool, *redis.Reply) {
	v, ok := ks.get(key)
	if !ok {
		return nil, false, nil
	}
	b, isString := v.([]byte)
	if !isString {
		return nil, false, redis.NewErrorReply(errWrongType)
	}
	return b, true, nil
}

func execGet(ctx *execContext, args [][]byte) *redis.Reply {
	value, ok, errReply := getString(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if !ok {
		return redis.NilBulkReply
	}
	return redis.NewBulkReply(value)
}

// SET key value [EX seconds|PX milliseconds] [NX|XX]
func execSet(ctx *execContext, args [][]byte) *redis.Reply {
	key := string(args[0])
	var ttl time.Duration
	nx, xx := false, false
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return redis.NewErrorReply(errSyntax)
			}
			n, ok := parseInt(args[i+1])
			if !ok || n <= 0 {
				return redis.NewErrorReply(errNotInteger)
			}
			unit := time.Second
			if strings.EqualFold(string(args[i]), "PX") {
				unit = time.Millisecond
			}
			ttl = time.Duration(n) * unit
			i++
		default:
			return redis.NewErrorReply(errSyntax)
		}
	}
	_, exists := ctx.db.get(key)
	if nx && exists || xx && !exists {
		return redis.NilBulkReply
	}
	ctx.db.put(key, append([]byte(nil), args[1]...))
	if ttl > 0 {
		ctx.db.expireAt(key, time.Now().Add(ttl))
	}
	return redis.OKReply
}

func execSetNX(ctx *execContext, args [][]byte) *redis.Reply {
	if _, exists := ctx.db.get(string(args[0])); exists {
		return redis.NewIntegerReply(0)
	}
	ctx.db.put(string(args[0]), append([]byte(nil), args[1]...))
	return redis.NewIntegerReply(1)
}

func execMGet(ctx *execContext, args [][]byte) *redis.Reply {
	replies := make([]*redis.Reply, len(args))
	for i, key := range args {
		value, ok, _ := getString(ctx.db, string(key))
		if ok {
			replies[i] = redis.NewBulkReply(value)
		} else {
			replies[i] = redis.NilBulkReply
		}
	}
	return redis.NewArrayReply(replies)
}

func execMSet(ctx *execContext, args [][]byte) *redis.Reply {
	if len(args)%2 != 0 {
		return wrongArgs("mset")
	}
	for i := 0; i < len(args); i += 2 {
		ctx.db.put(string(args[i]), append([]byte(nil), args[i+1]...))
	}
	return redis.OKReply
}

func incrBy(ctx *execContext, key string, delta int64) *redis.Reply {
	value, ok, errReply := getString(ctx.db, key)
	if errReply != nil {
		return errReply
	}
	var n int64
	if ok {
		parsed, valid := parseInt(value)
		if !valid {
			return redis.NewErrorReply(errNotInteger)
		}
		n = parsed
	}
	n += delta
	at, hasTTL := ctx.db.expires[key]
	ctx.db.put(key, []byte(strconv.FormatInt(n, 10)))
	if hasTTL {
		ctx.db.expireAt(key, at)
	}
	return redis.NewIntegerReply(n)
}

func execIncr(ctx *execContext, args [][]byte) *redis.Reply {
	return incrBy(ctx, string(args[0]), 1)
}

func execDecr(ctx *execContext, args [][]byte) *redis.Reply {
	return incrBy(ctx, string(args[0]), -1)
}

func execIncrBy(ctx *execContext, args [][]byte) *redis.Reply {
	delta, ok := parseInt(args[1])
	if !ok {
		return redis.NewErrorReply(errNotInteger)
	}
	return incrBy(ctx, string(args[0]), delta)
}
