package zset

import (
	"math"
	"strconv"
	"strings"
)

// Border is one end of a score interval, as in ZRANGEBYSCORE: "(1.5" is exclusive, "-inf" unbounded.
type Border struct {
	Value     float64
	Exclusive bool
}

var (
	NegativeInf = Border{Value: math.Inf(-1)}
	PositiveInf = Border{Value: math.Inf(1)}
)

func ParseBorder(s string) (Border, error) {
	var b Border
	if strings.HasPrefix(s, "(") {
		b.Exclusive = true
		s = s[1:]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return b, err
	}
	b.Value = v
	return b, nil
}

// lowerOf reports whether score satisfies b used as a minimum.
func (b Border) lowerOf(score float64) bool {
	if b.Exclusive {
		return score > b.Value
	}
	return score >= b.Value
}

// upperOf reports whether score satisfies b used as a maximum.
func (b Border) upperOf(score float64) bool {
	if b.Exclusive {
		return score < b.Value
	}
	return score <= b.Value
}

// SortedSet maps members to scores and keeps them ordered by (score, member).
type SortedSet struct {
	dict map[string]*node
	skl  *skipList
}

func NewSortedSet() *SortedSet {
	return &SortedSet{
		dict: make(map[string]*node),
		skl:  newSkipList(),
	}
}

// Add inserts or updates a member, returns 1 if the member is new.
func (zs *SortedSet) Add(member string, score float64) int {
	n, ok := zs.dict[member]
	if ok {
		if n.Score != score {
			zs.skl.remove(member, n.Score)
			zs.dict[member] = zs.skl.insert(member, score)
		}
		return 0
	}
	zs.dict[member] = zs.skl.insert(member, score)
	return 1
}

func (zs *SortedSet) Score(member string) (float64, bool) {
	n, ok := zs.dict[member]
	if !ok {
		return 0, false
	}
	return n.Score, true
}

func (zs *SortedSet) Remove(member string) int {
	n, ok := zs.dict[member]
	if !ok {
		return 0
	}
	delete(zs.dict, member)
	zs.skl.remove(member, n.Score)
	return 1
}

// Rank is the 0-based position of member, -1 when absent.
func (zs *SortedSet) Rank(member string, reverse bool) int64 {
	n, ok := zs.dict[member]
	if !ok {
		return -1
	}
	r := zs.skl.rank(member, n.Score)
	if reverse {
		return zs.skl.size - r
	}
	return r - 1
}

func (zs *SortedSet) Size() int {
	return len(zs.dict)
}

// RangeByRank returns elements between two inclusive 0-based ranks. Negative ranks count from the end.
func (zs *SortedSet) RangeByRank(start, stop int64, reverse bool) []Element {
	size := zs.skl.size
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
	if start > stop || start >= size {
		return nil
	}
	result := make([]Element, 0, stop-start+1)
	var x *node
	if reverse {
		x = zs.skl.byRank(size - start)
	} else {
		x = zs.skl.byRank(start + 1)
	}
	for i := start; i <= stop && x != nil; i++ {
		result = append(result, x.Element)
		if reverse {
			x = x.backward
		} else {
			x = x.levels[0].forward
		}
	}
	return result
}

// RangeByScore returns elements with min <= score <= max, skipping offset of them and
// returning at most limit; a negative limit returns all.
func (zs *SortedSet) RangeByScore(min, max Border, offset, limit int, reverse bool) []Element {
	var x *node
	if reverse {
		x = zs.skl.lastInRange(min, max)
	} else {
		x = zs.skl.firstInRange(min, max)
	}
	var result []Element
	for x != nil && limit != 0 {
		if reverse && !min.lowerOf(x.Score) || !reverse && !max.upperOf(x.Score) {
			break
		}
		if offset > 0 {
			offset--
		} else {
			result = append(result, x.Element)
			limit--
		}
		if reverse {
			x = x.backward
		} else {
			x = x.levels[0].forward
		}
	}
	return result
}

func (zs *SortedSet) Count(min, max Border) int {
	return len(zs.RangeByScore(min, max, 0, -1, false))
}

// ForEach visits members in ascending order until fn returns false.
func (zs *SortedSet) ForEach(fn func(e Element) bool) {
	for x := zs.skl.head.levels[0].forward; x != nil; x = x.levels[0].forward {
		if !fn(x.Element) {
			return
		}
	}
}
