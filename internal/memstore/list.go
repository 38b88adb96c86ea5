package memstore

import (
	"redismap/redis"
)

func init() {
	registerCommand("lpush", execLPush, -3)
	registerCommand("rpush", execRPush, -3)
	registerCommand("lpop", execLPop, 2)
	registerCommand("rpop", execRPop, 2)
	registerCommand("llen", execLLen, 2)
	registerCommand("lrange", execLRange, 4)
	// the blocking variants never block here: an empty list answers the timeout reply at once
	registerCommand("blpop", execBLPop, -3)
	registerCommand("brpop", execBRPop, -3)
}

func getList(ks *keyspace, key string) (*listValue, *redis.Reply) {
	v, ok := ks.get(key)
	if !ok {
		return nil, nil
	}
	l, isList := v.(*listValue)
	if !isList {
		return nil, redis.NewErrorReply(errWrongType)
	}
	return l, nil
}

func push(ctx *execContext, args [][]byte, left bool) *redis.Reply {
	key := string(args[0])
	l, errReply := getList(ctx.db, key)
	if errReply != nil {
		return errReply
	}
	if l == nil {
		l = &listValue{}
		ctx.db.put(key, l)
	}
	for _, v := range args[1:] {
		item := append([]byte(nil), v...)
		if left {
			l.items = append([][]byte{item}, l.items...)
		} else {
			l.items = append(l.items, item)
		}
	}
	ctx.db.touch(key)
	return redis.NewIntegerReply(int64(len(l.items)))
}

func execLPush(ctx *execContext, args [][]byte) *redis.Reply {
	return push(ctx, args, true)
}

func execRPush(ctx *execContext, args [][]byte) *redis.Reply {
	return push(ctx, args, false)
}

// pop removes one element; ok is false when the key is missing.
func pop(ctx *execContext, key string, left bool) ([]byte, bool, *redis.Reply) {
	l, errReply := getList(ctx.db, key)
	if errReply != nil || l == nil {
		return nil, false, errReply
	}
	var item []byte
	if left {
		item, l.items = l.items[0], l.items[1:]
	} else {
		last := len(l.items) - 1
		item, l.items = l.items[last], l.items[:last]
	}
	ctx.db.touch(key)
	ctx.db.removeIfEmpty(key)
	return item, true, nil
}

func popReply(ctx *execContext, args [][]byte, left bool) *redis.Reply {
	item, ok, errReply := pop(ctx, string(args[0]), left)
	if errReply != nil {
		return errReply
	}
	if !ok {
		return redis.NilBulkReply
	}
	return redis.NewBulkReply(item)
}

func execLPop(ctx *execContext, args [][]byte) *redis.Reply {
	return popReply(ctx, args, true)
}

func execRPop(ctx *execContext, args [][]byte) *redis.Reply {
	return popReply(ctx, args, false)
}

func execLLen(ctx *execContext, args [][]byte) *redis.Reply {
	l, errReply := getList(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if l == nil {
		return redis.NewIntegerReply(0)
	}
	return redis.NewIntegerReply(int64(len(l.items)))
}

func execLRange(ctx *execContext, args [][]byte) *redis.Reply {
	start, ok1 := parseInt(args[1])
	stop, ok2 := parseInt(args[2])
	if !ok1 || !ok2 {
		return redis.NewErrorReply(errNotInteger)
	}
	l, errReply := getList(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if l == nil {
		return redis.EmptyListReply
	}
	size := int64(len(l.items))
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop {
		return redis.EmptyListReply
	}
	replies := make([]*redis.Reply, 0, stop-start+1)
	for _, item := range l.items[start : stop+1] {
		replies = append(replies, redis.NewBulkReply(item))
	}
	return redis.NewArrayReply(replies)
}

// BLPOP key [key ...] timeout
func blockingPop(ctx *execContext, args [][]byte, left bool) *redis.Reply {
	if _, ok := parseFloat(args[len(args)-1]); !ok {
		return redis.NewErrorReply("ERR timeout is not a float or out of range")
	}
	for _, key := range args[:len(args)-1] {
		item, ok, errReply := pop(ctx, string(key), left)
		if errReply != nil {
			return errReply
		}
		if ok {
			return redis.NewArrayReply([]*redis.Reply{redis.NewBulkReply(key), redis.NewBulkReply(item)})
		}
	}
	return redis.NilArrayReply
}

func execBLPop(ctx *execContext, args [][]byte) *redis.Reply {
	return blockingPop(ctx, args, true)
}

func execBRPop(ctx *execContext, args [][]byte) *redis.Reply {
	return blockingPop(ctx, args, false)
}
