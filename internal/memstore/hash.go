package memstore

import (
	"sort"
	"strconv"

	"redismap/redis"
)

func init() {
	registerCommand("hset", execHSet, -4)
	registerCommand("hmset", execHMSet, -4)
	registerCommand("hget", execHGet, 3)
	registerCommand("hmget", execHMGet, -3)
	registerCommand("hgetall", execHGetAll, 2)
	registerCommand("hdel", execHDel, -3)
	registerCommand("hexists", execHExists, 3)
	registerCommand("hlen", execHLen, 2)
	registerCommand("hkeys", execHKeys, 2)
	registerCommand("hvals", execHVals, 2)
	registerCommand("hincrby", execHIncrBy, 4)
}

func getHash(ks *keyspace, key string) (hashValue, *redis.Reply) {
	v, ok := ks.get(key)
	if !ok {
		return nil, nil
	}
	h, isHash := v.(hashValue)
	if !isHash {
		return nil, redis.NewErrorReply(errWrongType)
	}
	return h, nil
}

func getOrInitHash(ks *keyspace, key string) (hashValue, *redis.Reply) {
	h, errReply := getHash(ks, key)
	if errReply != nil {
		return nil, errReply
	}
	if h == nil {
		h = make(hashValue)
		ks.put(key, h)
	}
	return h, nil
}

func setFields(ctx *execContext, args [][]byte) (int, *redis.Reply) {
	if len(args)%2 != 1 {
		return 0, wrongArgs("hset")
	}
	key := string(args[0])
	h, errReply := getOrInitHash(ctx.db, key)
	if errReply != nil {
		return 0, errReply
	}
	added := 0
	for i := 1; i < len(args); i += 2 {
		field := string(args[i])
		if _, ok := h[field]; !ok {
			added++
		}
		h[field] = append([]byte(nil), args[i+1]...)
	}
	ctx.db.touch(key)
	return added, nil
}

func execHSet(ctx *execContext, args [][]byte) *redis.Reply {
	added, errReply := setFields(ctx, args)
	if errReply != nil {
		return errReply
	}
	return redis.NewIntegerReply(int64(added))
}

func execHMSet(ctx *execContext, args [][]byte) *redis.Reply {
	if _, errReply := setFields(ctx, args); errReply != nil {
		return errReply
	}
	return redis.OKReply
}

func execHGet(ctx *execContext, args [][]byte) *redis.Reply {
	h, errReply := getHash(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if v, ok := h[string(args[1])]; ok {
		return redis.NewBulkReply(v)
	}
	return redis.NilBulkReply
}

func execHMGet(ctx *execContext, args [][]byte) *redis.Reply {
	h, errReply := getHash(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	replies := make([]*redis.Reply, len(args)-1)
	for i, field := range args[1:] {
		if v, ok := h[string(field)]; ok {
			replies[i] = redis.NewBulkReply(v)
		} else {
			replies[i] = redis.NilBulkReply
		}
	}
	return redis.NewArrayReply(replies)
}

func sortedFields(h hashValue) []string {
	fields := make([]string, 0, len(h))
	for f := range h {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func execHGetAll(ctx *execContext, args [][]byte) *redis.Reply {
	h, errReply := getHash(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	replies := make([]*redis.Reply, 0, len(h)*2)
	for _, f := range sortedFields(h) {
		replies = append(replies, redis.NewBulkStringReply(f), redis.NewBulkReply(h[f]))
	}
	return redis.NewArrayReply(replies)
}

func execHDel(ctx *execContext, args [][]byte) *redis.Reply {
	key := string(args[0])
	h, errReply := getHash(ctx.db, key)
	if errReply != nil {
		return errReply
	}
	count := 0
	for _, field := range args[1:] {
		if _, ok := h[string(field)]; ok {
			delete(h, string(field))
			count++
		}
	}
	if count > 0 {
		ctx.db.touch(key)
		ctx.db.removeIfEmpty(key)
	}
	return redis.NewIntegerReply(int64(count))
}

func execHExists(ctx *execContext, args [][]byte) *redis.Reply {
	h, errReply := getHash(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if _, ok := h[string(args[1])]; ok {
		return redis.NewIntegerReply(1)
	}
	return redis.NewIntegerReply(0)
}

func execHLen(ctx *execContext, args [][]byte) *redis.Reply {
	h, errReply := getHash(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	return redis.NewIntegerReply(int64(len(h)))
}

func execHKeys(ctx *execContext, args [][]byte) *redis.Reply {
	h, errReply := getHash(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	return redis.NewStringArrayReply(sortedFields(h))
}

func execHVals(ctx *execContext, args [][]byte) *redis.Reply {
	h, errReply := getHash(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	replies := make([]*redis.Reply, 0, len(h))
	for _, f := range sortedFields(h) {
		replies = append(replies, redis.NewBulkReply(h[f]))
	}
	return redis.NewArrayReply(replies)
}

func execHIncrBy(ctx *execContext, args [][]byte) *redis.Reply {
	delta, ok := parseInt(args[2])
	if !ok {
		return redis.NewErrorReply(errNotInteger)
	}
	key := string(args[0])
	h, errReply := getOrInitHash(ctx.db, key)
	if errReply != nil {
		return errReply
	}
	var n int64
	if v, exists := h[string(args[1])]; exists {
		if n, ok = parseInt(v); !ok {
			return redis.NewErrorReply("ERR hash value is not an integer")
		}
	}
	n += delta
	h[string(args[1])] = []byte(strconv.FormatInt(n, 10))
	ctx.db.touch(key)
	return redis.NewIntegerReply(n)
}
