package pattern

import (
	"testing"
)

func TestPattern_Matches(t *testing.T) {
	testCases := []struct {
		pattern string
		match   []string
		miss    []string
	}{
		{pattern: "h?llo", match: []string{"hello", "hallo"}, miss: []string{"hllo", "heello"}},
		{pattern: "h[^e]llo", match: []string{"hallo"}, miss: []string{"hello", "hllo"}},
		{pattern: "h[abc.]llo", match: []string{"hallo", "h.llo"}, miss: []string{"hello", "hllo"}},
		{pattern: "h[a-e]llo", match: []string{"hallo", "hello", "hcllo"}, miss: []string{"hillo"}},
		{pattern: "h[ae]ll[^o]", match: []string{"helli"}, miss: []string{"hallo", "hello"}},
		{pattern: "*", match: []string{"hello", "k", ""}},
		{pattern: "he*o", match: []string{"hello", "heo", "helo"}, miss: []string{"hell"}},
		{pattern: "h*ll*", match: []string{"hello", "heeellooo", "hll"}, miss: []string{"hel"}},
		{pattern: "ns1:*", match: []string{"ns1:a", "ns1:"}, miss: []string{"ns2:a", "ns1"}},
		{pattern: `a\*b`, match: []string{"a*b"}, miss: []string{"axb"}},
	}
	for _, tc := range testCases {
		t.Run(tc.pattern, func(t *testing.T) {
			p := ParsePattern(tc.pattern)
			for _, key := range tc.match {
				if !p.Matches(key) {
					t.Logf("expect %q to match %q", key, tc.pattern)
					t.FailNow()
				}
			}
			for _, key := range tc.miss {
				if p.Matches(key) {
					t.Logf("expect %q not to match %q", key, tc.pattern)
					t.FailNow()
				}
			}
		})
	}
}

func TestCompileCached(t *testing.T) {
	p1 := Compile("user:*")
	p2 := Compile("user:*")
	if p1 != p2 {
		t.Fatal("expect cached pattern to be reused")
	}
	if !Match("user:*", "user:42") {
		t.Fatal("expect match")
	}
}

func TestEscape(t *testing.T) {
	prefix := Escape("app[1]*?")
	if !Match(prefix+"*", "app[1]*?:user") {
		t.Fatal("expect escaped prefix to match itself")
	}
	if Match(prefix+"*", "app1xy:user") {
		t.Fatal("expect escaped prefix not to act as a pattern")
	}
}
