package memstore

import (
	"sort"

	"redismap/redis"
)

func init() {
	registerCommand("sadd", execSAdd, -3)
	registerCommand("srem", execSRem, -3)
	registerCommand("smembers", execSMembers, 2)
	registerCommand("sismember", execSIsMember, 3)
	registerCommand("scard", execSCard, 2)
	registerCommand("sinter", execSInter, -2)
	registerCommand("sunion", execSUnion, -2)
	registerCommand("sdiff", execSDiff, -2)
	registerCommand("sinterstore", execSInterStore, -3)
	registerCommand("sunionstore", execSUnionStore, -3)
	registerCommand("sdiffstore", execSDiffStore, -3)
}

func getSet(ks *keyspace, key string) (setValue, *redis.Reply) {
	v, ok := ks.get(key)
	if !ok {
		return nil, nil
	}
	s, isSet := v.(setValue)
	if !isSet {
		return nil, redis.NewErrorReply(errWrongType)
	}
	return s, nil
}

func (s setValue) members() []string {
	members := make([]string, 0, len(s))
	for m := range s {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

func execSAdd(ctx *execContext, args [][]byte) *redis.Reply {
	key := string(args[0])
	s, errReply := getSet(ctx.db, key)
	if errReply != nil {
		return errReply
	}
	if s == nil {
		s = make(setValue)
		ctx.db.put(key, s)
	}
	added := 0
	for _, m := range args[1:] {
		if _, ok := s[string(m)]; !ok {
			s[string(m)] = struct{}{}
			added++
		}
	}
	ctx.db.touch(key)
	return redis.NewIntegerReply(int64(added))
}

func execSRem(ctx *execContext, args [][]byte) *redis.Reply {
	key := string(args[0])
	s, errReply := getSet(ctx.db, key)
	if errReply != nil {
		return errReply
	}
	removed := 0
	for _, m := range args[1:] {
		if _, ok := s[string(m)]; ok {
			delete(s, string(m))
			removed++
		}
	}
	if removed > 0 {
		ctx.db.touch(key)
		ctx.db.removeIfEmpty(key)
	}
	return redis.NewIntegerReply(int64(removed))
}

func execSMembers(ctx *execContext, args [][]byte) *redis.Reply {
	s, errReply := getSet(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	return redis.NewStringArrayReply(s.members())
}

func execSIsMember(ctx *execContext, args [][]byte) *redis.Reply {
	s, errReply := getSet(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if _, ok := s[string(args[1])]; ok {
		return redis.NewIntegerReply(1)
	}
	return redis.NewIntegerReply(0)
}

func execSCard(ctx *execContext, args [][]byte) *redis.Reply {
	s, errReply := getSet(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	return redis.NewIntegerReply(int64(len(s)))
}

type setOp int

const (
	opInter setOp = iota
	opUnion
	opDiff
)

// memberSet reads a set operand; a missing key is an empty set.
func memberSet(ks *keyspace, key string) (setValue, *redis.Reply) {
	s, errReply := getSet(ks, key)
	if errReply != nil {
		return nil, errReply
	}
	if s == nil {
		return setValue{}, nil
	}
	return s, nil
}

func combine(ks *keyspace, op setOp, keys [][]byte) (setValue, *redis.Reply) {
	result, errReply := memberSet(ks, string(keys[0]))
	if errReply != nil {
		return nil, errReply
	}
	acc := make(setValue, len(result))
	for m := range result {
		acc[m] = struct{}{}
	}
	for _, key := range keys[1:] {
		other, errReply := memberSet(ks, string(key))
		if errReply != nil {
			return nil, errReply
		}
		switch op {
		case opInter:
			for m := range acc {
				if _, ok := other[m]; !ok {
					delete(acc, m)
				}
			}
		case opUnion:
			for m := range other {
				acc[m] = struct{}{}
			}
		case opDiff:
			for m := range other {
				delete(acc, m)
			}
		}
	}
	return acc, nil
}

func setOpReply(ctx *execContext, op setOp, args [][]byte) *redis.Reply {
	result, errReply := combine(ctx.db, op, args)
	if errReply != nil {
		return errReply
	}
	return redis.NewStringArrayReply(result.members())
}

func setOpStore(ctx *execContext, op setOp, args [][]byte) *redis.Reply {
	result, errReply := combine(ctx.db, op, args[1:])
	if errReply != nil {
		return errReply
	}
	dest := string(args[0])
	ctx.db.remove(dest)
	if len(result) > 0 {
		ctx.db.put(dest, result)
	}
	return redis.NewIntegerReply(int64(len(result)))
}

func execSInter(ctx *execContext, args [][]byte) *redis.Reply {
	return setOpReply(ctx, opInter, args)
}

func execSUnion(ctx *execContext, args [][]byte) *redis.Reply {
	return setOpReply(ctx, opUnion, args)
}

func execSDiff(ctx *execContext, args [][]byte) *redis.Reply {
	return setOpReply(ctx, opDiff, args)
}

func execSInterStore(ctx *execContext, args [][]byte) *redis.Reply {
	return setOpStore(ctx, opInter, args)
}

func execSUnionStore(ctx *execContext, args [][]byte) *redis.Reply {
	return setOpStore(ctx, opUnion, args)
}

func execSDiffStore(ctx *execContext, args [][]byte) *redis.Reply {
	return setOpStore(ctx, opDiff, args)
}
