package pattern

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

type mode byte

const (
	normal mode = iota
	all         // *
	any         // ?
	class       // [...], [a-b], [^...]
)

type Pattern struct {
	source string
	items  []item
}

type item struct {
	mode    mode
	symbol  byte
	set     map[byte]bool
	ranges  [][2]byte
	negated bool
}

func (i *item) matchClass(symbol byte) bool {
	found := i.set[symbol]
	if !found {
		for _, r := range i.ranges {
			if symbol >= r[0] && symbol <= r[1] {
				found = true
				break
			}
		}
	}
	return found != i.negated
}

const cacheSize = 1024

var cache, _ = lru.New[string, *Pattern](cacheSize)

// Compile returns the parsed pattern, reusing a cached parse for recently seen patterns.
func Compile(p string) *Pattern {
	if cached, ok := cache.Get(p); ok {
		return cached
	}
	parsed := ParsePattern(p)
	cache.Add(p, parsed)
	return parsed
}

// ParsePattern parses a glob-style pattern: *, ?, [abc], [a-z], [^a] and \ escapes.
func ParsePattern(p string) *Pattern {
	items := make([]item, 0, len(p))
	for i := 0; i < len(p); i++ {
		ch := p[i]
		switch ch {
		case '*':
			// collapse consecutive stars
			if n := len(items); n > 0 && items[n-1].mode == all {
				continue
			}
			items = append(items, item{mode: all})
		case '?':
			items = append(items, item{mode: any})
		case '\\':
			if i+1 < len(p) {
				i++
			}
			items = append(items, item{mode: normal, symbol: p[i]})
		case '[':
			end := i + 1
			for end < len(p) && p[end] != ']' {
				if p[end] == '\\' {
					end++
				}
				end++
			}
			if end >= len(p) {
				// unterminated class, treat '[' as a literal
				items = append(items, item{mode: normal, symbol: ch})
				continue
			}
			items = append(items, parseClass(p[i+1:end]))
			i = end
		default:
			items = append(items, item{mode: normal, symbol: ch})
		}
	}
	return &Pattern{source: p, items: items}
}

func parseClass(body string) item {
	it := item{mode: class, set: make(map[byte]bool)}
	if len(body) > 0 && body[0] == '^' {
		it.negated = true
		body = body[1:]
	}
	for j := 0; j < len(body); j++ {
		c := body[j]
		if c == '\\' && j+1 < len(body) {
			j++
			it.set[body[j]] = true
			continue
		}
		if j+2 < len(body) && body[j+1] == '-' {
			lo, hi := c, body[j+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			it.ranges = append(it.ranges, [2]byte{lo, hi})
			j += 2
			continue
		}
		it.set[c] = true
	}
	return it
}

func (p *Pattern) String() string {
	return p.source
}

// Matches reports whether key matches the whole pattern.
func (p *Pattern) Matches(key string) bool {
	m := len(key)
	n := len(p.items)
	// dp[i][j]: the first i bytes of key match the first j items
	dp := make([][]bool, m+1)
	for i := 0; i < m+1; i++ {
		dp[i] = make([]bool, n+1)
	}
	dp[0][0] = true
	for j := 1; j < n+1; j++ {
		dp[0][j] = dp[0][j-1] && p.items[j-1].mode == all
	}
	for i := 1; i < m+1; i++ {
		for j := 1; j < n+1; j++ {
			it := &p.items[j-1]
			switch it.mode {
			case all:
				dp[i][j] = dp[i-1][j] || dp[i][j-1]
			case any:
				dp[i][j] = dp[i-1][j-1]
			case normal:
				dp[i][j] = dp[i-1][j-1] && it.symbol == key[i-1]
			case class:
				dp[i][j] = dp[i-1][j-1] && it.matchClass(key[i-1])
			}
		}
	}
	return dp[m][n]
}

// Match is a convenience for Compile(p).Matches(key).
func Match(p, key string) bool {
	return Compile(p).Matches(key)
}

// Escape quotes the glob metacharacters of s so that it matches only itself.
func Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
