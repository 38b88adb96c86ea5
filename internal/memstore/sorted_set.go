package memstore

import (
	"strconv"
	"strings"

	"redismap/internal/memstore/zset"
	"redismap/redis"
)

func init() {
	registerCommand("zadd", execZAdd, -4)
	registerCommand("zrem", execZRem, -3)
	registerCommand("zscore", execZScore, 3)
	registerCommand("zcard", execZCard, 2)
	registerCommand("zrank", execZRank, 3)
	registerCommand("zcount", execZCount, 4)
	registerCommand("zrange", execZRange, -4)
	registerCommand("zrevrange", execZRevRange, -4)
	registerCommand("zrangebyscore", execZRangeByScore, -4)
	registerCommand("zrevrangebyscore", execZRevRangeByScore, -4)
	registerCommand("zinterstore", execZInterStore, -4)
	registerCommand("zunionstore", execZUnionStore, -4)
}

func getSortedSet(ks *keyspace, key string) (*zset.SortedSet, *redis.Reply) {
	v, ok := ks.get(key)
	if !ok {
		return nil, nil
	}
	zs, isZSet := v.(*zset.SortedSet)
	if !isZSet {
		return nil, redis.NewErrorReply(errWrongType)
	}
	return zs, nil
}

func execZAdd(ctx *execContext, args [][]byte) *redis.Reply {
	if len(args)%2 != 1 {
		return redis.NewErrorReply(errSyntax)
	}
	key := string(args[0])
	zs, errReply := getSortedSet(ctx.db, key)
	if errReply != nil {
		return errReply
	}
	scores := make([]float64, 0, len(args)/2)
	for i := 1; i < len(args); i += 2 {
		score, ok := parseFloat(args[i])
		if !ok {
			return redis.NewErrorReply(errNotFloat)
		}
		scores = append(scores, score)
	}
	if zs == nil {
		zs = zset.NewSortedSet()
		ctx.db.put(key, zs)
	}
	added := 0
	for i, score := range scores {
		added += zs.Add(string(args[2+i*2]), score)
	}
	ctx.db.touch(key)
	return redis.NewIntegerReply(int64(added))
}

func execZRem(ctx *execContext, args [][]byte) *redis.Reply {
	key := string(args[0])
	zs, errReply := getSortedSet(ctx.db, key)
	if errReply != nil || zs == nil {
		if errReply != nil {
			return errReply
		}
		return redis.NewIntegerReply(0)
	}
	removed := 0
	for _, m := range args[1:] {
		removed += zs.Remove(string(m))
	}
	if removed > 0 {
		ctx.db.touch(key)
		ctx.db.removeIfEmpty(key)
	}
	return redis.NewIntegerReply(int64(removed))
}

func execZScore(ctx *execContext, args [][]byte) *redis.Reply {
	zs, errReply := getSortedSet(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if zs != nil {
		if score, ok := zs.Score(string(args[1])); ok {
			return redis.NewBulkStringReply(formatFloat(score))
		}
	}
	return redis.NilBulkReply
}

func execZCard(ctx *execContext, args [][]byte) *redis.Reply {
	zs, errReply := getSortedSet(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if zs == nil {
		return redis.NewIntegerReply(0)
	}
	return redis.NewIntegerReply(int64(zs.Size()))
}

func execZRank(ctx *execContext, args [][]byte) *redis.Reply {
	zs, errReply := getSortedSet(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if zs != nil {
		if rank := zs.Rank(string(args[1]), false); rank >= 0 {
			return redis.NewIntegerReply(rank)
		}
	}
	return redis.NilBulkReply
}

func parseRange(minArg, maxArg []byte) (zset.Border, zset.Border, *redis.Reply) {
	min, err := zset.ParseBorder(string(minArg))
	if err != nil {
		return min, min, redis.NewErrorReply("ERR min or max is not a float")
	}
	max, err := zset.ParseBorder(string(maxArg))
	if err != nil {
		return min, max, redis.NewErrorReply("ERR min or max is not a float")
	}
	return min, max, nil
}

func execZCount(ctx *execContext, args [][]byte) *redis.Reply {
	min, max, errReply := parseRange(args[1], args[2])
	if errReply != nil {
		return errReply
	}
	zs, errReply := getSortedSet(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if zs == nil {
		return redis.NewIntegerReply(0)
	}
	return redis.NewIntegerReply(int64(zs.Count(min, max)))
}

func elementsReply(elements []zset.Element, withScores bool) *redis.Reply {
	replies := make([]*redis.Reply, 0, len(elements)*2)
	for _, e := range elements {
		replies = append(replies, redis.NewBulkStringReply(e.Member))
		if withScores {
			replies = append(replies, redis.NewBulkStringReply(formatFloat(e.Score)))
		}
	}
	return redis.NewArrayReply(replies)
}

func rangeByRank(ctx *execContext, args [][]byte, reverse bool) *redis.Reply {
	start, ok1 := parseInt(args[1])
	stop, ok2 := parseInt(args[2])
	if !ok1 || !ok2 {
		return redis.NewErrorReply(errNotInteger)
	}
	withScores := false
	if len(args) == 4 && strings.EqualFold(string(args[3]), "WITHSCORES") {
		withScores = true
	} else if len(args) > 3 {
		return redis.NewErrorReply(errSyntax)
	}
	zs, errReply := getSortedSet(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if zs == nil {
		return redis.EmptyListReply
	}
	return elementsReply(zs.RangeByRank(start, stop, reverse), withScores)
}

func execZRange(ctx *execContext, args [][]byte) *redis.Reply {
	return rangeByRank(ctx, args, false)
}

func execZRevRange(ctx *execContext, args [][]byte) *redis.Reply {
	return rangeByRank(ctx, args, true)
}

// rangeByScore serves ZRANGEBYSCORE key min max and ZREVRANGEBYSCORE key max min,
// both with optional WITHSCORES and LIMIT offset count.
func rangeByScore(ctx *execContext, args [][]byte, reverse bool) *redis.Reply {
	lo, hi := args[1], args[2]
	if reverse {
		lo, hi = hi, lo
	}
	min, max, errReply := parseRange(lo, hi)
	if errReply != nil {
		return errReply
	}
	withScores := false
	offset, limit := 0, -1
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "WITHSCORES":
			withScores = true
		case "LIMIT":
			if i+2 >= len(args) {
				return redis.NewErrorReply(errSyntax)
			}
			o, err1 := strconv.Atoi(string(args[i+1]))
			l, err2 := strconv.Atoi(string(args[i+2]))
			if err1 != nil || err2 != nil {
				return redis.NewErrorReply(errNotInteger)
			}
			offset, limit = o, l
			i += 2
		default:
			return redis.NewErrorReply(errSyntax)
		}
	}
	zs, errReply := getSortedSet(ctx.db, string(args[0]))
	if errReply != nil {
		return errReply
	}
	if zs == nil || offset < 0 {
		return redis.EmptyListReply
	}
	return elementsReply(zs.RangeByScore(min, max, offset, limit, reverse), withScores)
}

func execZRangeByScore(ctx *execContext, args [][]byte) *redis.Reply {
	return rangeByScore(ctx, args, false)
}

func execZRevRangeByScore(ctx *execContext, args [][]byte) *redis.Reply {
	return rangeByScore(ctx, args, true)
}

// scoredMembers reads a ZINTERSTORE/ZUNIONSTORE operand; plain sets count with score 1.
func scoredMembers(ks *keyspace, key string) (map[string]float64, *redis.Reply) {
	v, ok := ks.get(key)
	if !ok {
		return map[string]float64{}, nil
	}
	switch c := v.(type) {
	case setValue:
		m := make(map[string]float64, len(c))
		for member := range c {
			m[member] = 1
		}
		return m, nil
	case *zset.SortedSet:
		m := make(map[string]float64, c.Size())
		c.ForEach(func(e zset.Element) bool {
			m[e.Member] = e.Score
			return true
		})
		return m, nil
	}
	return nil, redis.NewErrorReply(errWrongType)
}

// ZINTERSTORE/ZUNIONSTORE dest numkeys key [key ...] [WEIGHTS w ...] [AGGREGATE SUM|MIN|MAX]
func storeCombined(ctx *execContext, args [][]byte, inter bool) *redis.Reply {
	numKeys, ok := parseInt(args[1])
	if !ok || numKeys < 1 || int(numKeys) > len(args)-2 {
		return redis.NewErrorReply(errSyntax)
	}
	keys := args[2 : 2+numKeys]
	weights := make([]float64, numKeys)
	for i := range weights {
		weights[i] = 1
	}
	aggregate := "SUM"
	for i := int(2 + numKeys); i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "WEIGHTS":
			if i+int(numKeys) >= len(args) {
				return redis.NewErrorReply(errSyntax)
			}
			for j := range weights {
				w, ok := parseFloat(args[i+1+j])
				if !ok {
					return redis.NewErrorReply("ERR weight value is not a float")
				}
				weights[j] = w
			}
			i += int(numKeys)
		case "AGGREGATE":
			if i+1 >= len(args) {
				return redis.NewErrorReply(errSyntax)
			}
			aggregate = strings.ToUpper(string(args[i+1]))
			if aggregate != "SUM" && aggregate != "MIN" && aggregate != "MAX" {
				return redis.NewErrorReply(errSyntax)
			}
			i++
		default:
			return redis.NewErrorReply(errSyntax)
		}
	}
	var acc map[string]float64
	for i, key := range keys {
		members, errReply := scoredMembers(ctx.db, string(key))
		if errReply != nil {
			return errReply
		}
		if i == 0 {
			acc = make(map[string]float64, len(members))
			for m, score := range members {
				acc[m] = score * weights[0]
			}
			continue
		}
		if inter {
			for m := range acc {
				if _, ok := members[m]; !ok {
					delete(acc, m)
				}
			}
		}
		for m, score := range members {
			prev, exists := acc[m]
			if !exists {
				if !inter {
					acc[m] = score * weights[i]
				}
				continue
			}
			acc[m] = aggregateScore(aggregate, prev, score*weights[i])
		}
	}
	dest := string(args[0])
	ctx.db.remove(dest)
	if len(acc) > 0 {
		zs := zset.NewSortedSet()
		for m, score := range acc {
			zs.Add(m, score)
		}
		ctx.db.put(dest, zs)
	}
	return redis.NewIntegerReply(int64(len(acc)))
}

func aggregateScore(aggregate string, a, b float64) float64 {
	switch aggregate {
	case "MIN":
		if b < a {
			return b
		}
		return a
	case "MAX":
		if b > a {
			return b
		}
		return a
	}
	return a + b
}

func execZInterStore(ctx *execContext, args [][]byte) *redis.Reply {
	return storeCombined(ctx, args, true)
}

func execZUnionStore(ctx *execContext, args [][]byte) *redis.Reply {
	return storeCombined(ctx, args, false)
}
