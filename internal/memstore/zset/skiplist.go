package zset

import (
	"math/rand"
)

const maxLevels = 32

type Element struct {
	Member string
	Score  float64
}

// before orders elements by score, then by member.
func (e *Element) before(score float64, member string) bool {
	return e.Score < score || (e.Score == score && e.Member < member)
}

type level struct {
	forward *node
	// span is the number of bottom level nodes skipped by forward
	span int64
}

type node struct {
	Element
	backward *node
	levels   []*level
}

type skipList struct {
	head, tail *node
	level      int
	size       int64
}

func newSkipList() *skipList {
	return &skipList{level: 1, head: newNode("", 0, maxLevels)}
}

func newNode(member string, score float64, levels int) *node {
	n := &node{Element: Element{Member: member, Score: score}, levels: make([]*level, levels)}
	for i := range n.levels {
		n.levels[i] = &level{}
	}
	return n
}

// randomLevel follows the redis level distribution with p = 1/4.
func randomLevel() int {
	lvl := 1
	for float32(rand.Int31()&0xFFFF) < (0.25 * 0xFFFF) {
		lvl++
	}
	if lvl < maxLevels {
		return lvl
	}
	return maxLevels
}

func (skl *skipList) insert(member string, score float64) *node {
	update := make([]*node, maxLevels)
	ranks := make([]int64, maxLevels)
	x := skl.head
	for i := skl.level - 1; i >= 0; i-- {
		if i < skl.level-1 {
			ranks[i] = ranks[i+1]
		}
		for x.levels[i].forward != nil && x.levels[i].forward.before(score, member) {
			ranks[i] += x.levels[i].span
			x = x.levels[i].forward
		}
		update[i] = x
	}
	lvl := randomLevel()
	if lvl > skl.level {
		for i := skl.level; i < lvl; i++ {
			ranks[i] = 0
			update[i] = skl.head
			update[i].levels[i].span = skl.size
		}
		skl.level = lvl
	}
	n := newNode(member, score, lvl)
	for i := 0; i < lvl; i++ {
		n.levels[i].forward = update[i].levels[i].forward
		update[i].levels[i].forward = n
		n.levels[i].span = update[i].levels[i].span - (ranks[0] - ranks[i])
		update[i].levels[i].span = ranks[0] - ranks[i] + 1
	}
	for i := lvl; i < skl.level; i++ {
		update[i].levels[i].span++
	}
	if update[0] != skl.head {
		n.backward = update[0]
	}
	if n.levels[0].forward != nil {
		n.levels[0].forward.backward = n
	} else {
		skl.tail = n
	}
	skl.size++
	return n
}

func (skl *skipList) remove(member string, score float64) bool {
	update := make([]*node, maxLevels)
	x := skl.head
	for i := skl.level - 1; i >= 0; i-- {
		for x.levels[i].forward != nil && x.levels[i].forward.before(score, member) {
			x = x.levels[i].forward
		}
		update[i] = x
	}
	x = x.levels[0].forward
	if x != nil && x.Score == score && x.Member == member {
		skl.removeNode(x, update)
		return true
	}
	return false
}

func (skl *skipList) removeNode(n *node, update []*node) {
	for i := 0; i < skl.level; i++ {
		if update[i].levels[i].forward == n {
			update[i].levels[i].span += n.levels[i].span - 1
			update[i].levels[i].forward = n.levels[i].forward
		} else {
			update[i].levels[i].span--
		}
	}
	if n.levels[0].forward != nil {
		n.levels[0].forward.backward = n.backward
	} else {
		skl.tail = n.backward
	}
	for skl.level > 1 && skl.head.levels[skl.level-1].forward == nil {
		skl.level--
	}
	skl.size--
}

// rank is the 1-based position of the element, 0 when absent.
func (skl *skipList) rank(member string, score float64) int64 {
	var rank int64
	x := skl.head
	for i := skl.level - 1; i >= 0; i-- {
		for x.levels[i].forward != nil && (x.levels[i].forward.before(score, member) ||
			(x.levels[i].forward.Score == score && x.levels[i].forward.Member == member)) {
			rank += x.levels[i].span
			x = x.levels[i].forward
		}
		if x != skl.head && x.Score == score && x.Member == member {
			return rank
		}
	}
	return 0
}

// byRank finds the node at a 1-based rank.
func (skl *skipList) byRank(rank int64) *node {
	var traversed int64
	x := skl.head
	for i := skl.level - 1; i >= 0; i-- {
		for x.levels[i].forward != nil && traversed+x.levels[i].span <= rank {
			traversed += x.levels[i].span
			x = x.levels[i].forward
		}
		if traversed == rank {
			return x
		}
	}
	return nil
}

func (skl *skipList) firstInRange(min, max Border) *node {
	x := skl.head
	for i := skl.level - 1; i >= 0; i-- {
		for x.levels[i].forward != nil && !min.lowerOf(x.levels[i].forward.Score) {
			x = x.levels[i].forward
		}
	}
	x = x.levels[0].forward
	if x == nil || !max.upperOf(x.Score) {
		return nil
	}
	return x
}

func (skl *skipList) lastInRange(min, max Border) *node {
	x := skl.head
	for i := skl.level - 1; i >= 0; i-- {
		for x.levels[i].forward != nil && max.upperOf(x.levels[i].forward.Score) {
			x = x.levels[i].forward
		}
	}
	if x == skl.head || !min.lowerOf(x.Score) {
		return nil
	}
	return x
}
