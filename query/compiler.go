package query

import (
	"errors"
	"fmt"
	"strings"

	"redismap/redis"
)

// ErrCompile marks queries rejected before anything is sent to the server.
var ErrCompile = errors.New("invalid query")

const pathSeparator = "__"

type StepKind uint8

const (
	// StepRange copies the ids of a range index slice into Dest (move2set script).
	StepRange StepKind = iota
	StepInter
	StepUnion
	StepDiff
	// StepJoin unions the foreign key index sets of every related id in Sources[0] (fkjoin script).
	StepJoin
	// StepSort intersects Sources[0] into the sort index Sources[1], keeping its scores.
	StepSort
)

// Step materializes one temporary key from keys that already exist.
type Step struct {
	Kind    StepKind
	Dest    string
	Sources []string
	// Min and Max are the score bounds of a range step, in ZRANGEBYSCORE syntax.
	Min, Max string
	// Base is the key prefix of the equality index a join step reads.
	Base string
}

// Plan is a compiled query. Steps run in order; Result then holds the matching ids, as a
// sorted set if Sorted, otherwise as a set.
type Plan struct {
	Model  *Model
	Steps  []Step
	Result string
	Sorted bool
	Desc   bool
	Offset int
	Limit  int
	Fields []string
	// Temps lists every temporary key the steps create.
	Temps []string
}

type compiler struct {
	model *Model
	plan  *Plan
	tmp   func() string
}

// Compile turns q into a plan. tmp returns a fresh unique suffix for each temporary key.
// No command is sent.
func Compile(q *Query, tmp func() string) (*Plan, error) {
	if q == nil || q.Model == nil {
		return nil, fmt.Errorf("%w: no model", ErrCompile)
	}
	if q.Offset < 0 || q.Limit < 0 {
		return nil, fmt.Errorf("%w: negative offset or limit", ErrCompile)
	}
	for _, name := range q.Fields {
		if _, ok := q.Model.Field(name); !ok {
			return nil, fmt.Errorf("%w: unknown field %s.%s in projection", ErrCompile, q.Model.Name, name)
		}
	}
	c := &compiler{
		model: q.Model,
		tmp:   tmp,
		plan: &Plan{
			Model:  q.Model,
			Desc:   q.Desc,
			Offset: q.Offset,
			Limit:  q.Limit,
			Fields: q.Fields,
		},
	}
	result := q.Model.IDsKey()
	if q.Filter != nil {
		key, err := c.node(q.Filter)
		if err != nil {
			return nil, err
		}
		result = key
	}
	if q.SortBy != "" {
		f, ok := q.Model.Field(q.SortBy)
		if !ok {
			return nil, fmt.Errorf("%w: unknown sort field %s.%s", ErrCompile, q.Model.Name, q.SortBy)
		}
		if f.Index != IndexRange {
			return nil, fmt.Errorf("%w: cannot sort by %s.%s without a range index", ErrCompile, q.Model.Name, f.Name)
		}
		index := q.Model.RangeKey(f.Name)
		if q.Filter == nil {
			result = index
		} else {
			result = c.step(Step{Kind: StepSort, Sources: []string{result, index}})
		}
		c.plan.Sorted = true
	}
	c.plan.Result = result
	return c.plan, nil
}

// step appends s with a new temporary destination and returns that key.
func (c *compiler) step(s Step) string {
	s.Dest = c.model.TempKey(c.tmp())
	c.plan.Steps = append(c.plan.Steps, s)
	c.plan.Temps = append(c.plan.Temps, s.Dest)
	return s.Dest
}

// target is the field a filter path resolves to. via is set when the path crosses a
// foreign key of the queried model.
type target struct {
	path  string
	model *Model
	field *Field
	via   *Field
}

func (c *compiler) resolve(path string) (target, error) {
	t := target{path: path, model: c.model}
	name := path
	if i := strings.Index(path, pathSeparator); i >= 0 {
		fk, ok := c.model.Field(path[:i])
		if !ok || fk.Related == nil {
			return t, fmt.Errorf("%w: %s.%s is not a foreign key", ErrCompile, c.model.Name, path[:i])
		}
		name = path[i+len(pathSeparator):]
		if strings.Contains(name, pathSeparator) {
			return t, fmt.Errorf("%w: %s joins more than one level", ErrCompile, path)
		}
		t.via = fk
		t.model = fk.Related
	}
	f, ok := t.model.Field(name)
	if !ok {
		return t, fmt.Errorf("%w: unknown field %s.%s", ErrCompile, t.model.Name, name)
	}
	if f.Index == IndexNone {
		return t, fmt.Errorf("%w: %s.%s is not indexed", ErrCompile, t.model.Name, name)
	}
	t.field = f
	return t, nil
}

func (c *compiler) node(n *Node) (string, error) {
	if n == nil {
		return "", fmt.Errorf("%w: empty filter", ErrCompile)
	}
	if !n.Op.isLogical() {
		t, err := c.resolve(n.Field)
		if err != nil {
			return "", err
		}
		if n.Op.isRange() {
			var b bounds
			if err := b.narrow(n, t.field); err != nil {
				return "", err
			}
			return c.join(t, c.rangeKey(t, b)), nil
		}
		key, err := c.match(t, n)
		if err != nil {
			return "", err
		}
		return c.join(t, key), nil
	}
	if len(n.Children) == 0 {
		return "", fmt.Errorf("%w: %s without operands", ErrCompile, n.Op)
	}
	var keys []string
	var err error
	if n.Op == OpAnd {
		keys, err = c.conjunction(n.Children)
	} else {
		keys, err = c.children(n.Children)
	}
	if err != nil {
		return "", err
	}
	if len(keys) == 1 {
		return keys[0], nil
	}
	kind := StepInter
	switch n.Op {
	case OpOr:
		kind = StepUnion
	case OpAndNot:
		kind = StepDiff
	}
	return c.step(Step{Kind: kind, Sources: keys}), nil
}

func (c *compiler) children(nodes []*Node) ([]string, error) {
	keys := make([]string, 0, len(nodes))
	for _, child := range nodes {
		key, err := c.node(child)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// conjunction compiles the operands of an AND. Range comparisons on the same field merge
// into a single bounds pair and a single index lookup.
func (c *compiler) conjunction(nodes []*Node) ([]string, error) {
	type merged struct {
		target target
		bounds bounds
	}
	var order []string
	ranges := make(map[string]*merged)
	var others []*Node
	for _, child := range nodes {
		if child == nil || !child.Op.isRange() {
			others = append(others, child)
			continue
		}
		m, ok := ranges[child.Field]
		if !ok {
			t, err := c.resolve(child.Field)
			if err != nil {
				return nil, err
			}
			m = &merged{target: t}
			ranges[child.Field] = m
			order = append(order, child.Field)
		}
		if err := m.bounds.narrow(child, m.target.field); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(order)+len(others))
	for _, path := range order {
		m := ranges[path]
		keys = append(keys, c.join(m.target, c.rangeKey(m.target, m.bounds)))
	}
	rest, err := c.children(others)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		seen[key] = true
	}
	for _, key := range rest {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// match compiles Eq and In on the model of t, before any join.
func (c *compiler) match(t target, n *Node) (string, error) {
	if n.Op == OpEq && len(n.Values) != 1 {
		return "", fmt.Errorf("%w: %s needs one value", ErrCompile, n)
	}
	if len(n.Values) == 0 {
		return "", fmt.Errorf("%w: %s needs at least one value", ErrCompile, n)
	}
	keys := make([]string, 0, len(n.Values))
	for _, v := range n.Values {
		var key string
		if t.field.Index == IndexRange {
			score, err := t.field.score(v)
			if err != nil {
				return "", fmt.Errorf("%w: %s: %v", ErrCompile, n, err)
			}
			b := bounds{min: bound{value: score, set: true}, max: bound{value: score, set: true}}
			key = c.rangeKey(t, b)
		} else {
			encoded, err := t.field.encode(v)
			if err != nil {
				return "", fmt.Errorf("%w: %s: %v", ErrCompile, n, err)
			}
			key = t.model.EqualityKey(t.field.Name, encoded)
		}
		keys = append(keys, key)
	}
	if len(keys) == 1 {
		return keys[0], nil
	}
	return c.step(Step{Kind: StepUnion, Sources: keys}), nil
}

func (c *compiler) rangeKey(t target, b bounds) string {
	return c.step(Step{
		Kind:    StepRange,
		Sources: []string{t.model.RangeKey(t.field.Name)},
		Min:     b.min.format("-inf"),
		Max:     b.max.format("+inf"),
	})
}

// join maps a key holding ids of a related model to the ids of the queried model that
// point at them.
func (c *compiler) join(t target, key string) string {
	if t.via == nil {
		return key
	}
	return c.step(Step{
		Kind:    StepJoin,
		Sources: []string{key},
		Base:    c.model.EqualityKey(t.via.Name, ""),
	})
}

type bound struct {
	value     float64
	exclusive bool
	set       bool
}

func (b bound) format(unbounded string) string {
	if !b.set {
		return unbounded
	}
	s := redis.FormatFloat(b.value)
	if b.exclusive {
		return "(" + s
	}
	return s
}

type bounds struct {
	min, max bound
}

func (b *bounds) raise(v float64, exclusive bool) {
	if !b.min.set || v > b.min.value || (v == b.min.value && exclusive) {
		b.min = bound{value: v, exclusive: exclusive, set: true}
	}
}

func (b *bounds) lower(v float64, exclusive bool) {
	if !b.max.set || v < b.max.value || (v == b.max.value && exclusive) {
		b.max = bound{value: v, exclusive: exclusive, set: true}
	}
}

// narrow intersects b with the range comparison n.
func (b *bounds) narrow(n *Node, f *Field) error {
	if f.Index != IndexRange {
		return fmt.Errorf("%w: %s needs a range index", ErrCompile, n)
	}
	expected := 1
	if n.Op == OpBetween {
		expected = 2
	}
	if len(n.Values) != expected {
		return fmt.Errorf("%w: %s needs %d values", ErrCompile, n, expected)
	}
	scores := make([]float64, len(n.Values))
	for i, v := range n.Values {
		score, err := f.score(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCompile, n, err)
		}
		scores[i] = score
	}
	switch n.Op {
	case OpGt:
		b.raise(scores[0], true)
	case OpGe:
		b.raise(scores[0], false)
	case OpLt:
		b.lower(scores[0], true)
	case OpLe:
		b.lower(scores[0], false)
	case OpBetween:
		b.raise(scores[0], false)
		b.lower(scores[1], false)
	}
	return nil
}
