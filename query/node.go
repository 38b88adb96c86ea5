package query

import (
	"fmt"
	"strings"
)

type Op uint8

const (
	OpEq Op = iota
	OpIn
	OpGt
	OpGe
	OpLt
	OpLe
	OpBetween
	OpAnd
	OpOr
	OpAndNot
)

var opNames = [...]string{
	OpEq:      "eq",
	OpIn:      "in",
	OpGt:      "gt",
	OpGe:      "ge",
	OpLt:      "lt",
	OpLe:      "le",
	OpBetween: "between",
	OpAnd:     "and",
	OpOr:      "or",
	OpAndNot:  "andnot",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

func (op Op) isRange() bool {
	return op >= OpGt && op <= OpBetween
}

func (op Op) isLogical() bool {
	return op >= OpAnd
}

// Node is a filter expression: a comparison on one field, or a combination of children.
// Field paths of the form fk__field compare a field of the record a foreign key points to.
type Node struct {
	Op       Op
	Field    string
	Values   []interface{}
	Children []*Node
}

func Eq(field string, value interface{}) *Node {
	return &Node{Op: OpEq, Field: field, Values: []interface{}{value}}
}

// In matches any of values.
func In(field string, values ...interface{}) *Node {
	return &Node{Op: OpIn, Field: field, Values: values}
}

func Gt(field string, value interface{}) *Node {
	return &Node{Op: OpGt, Field: field, Values: []interface{}{value}}
}

func Ge(field string, value interface{}) *Node {
	return &Node{Op: OpGe, Field: field, Values: []interface{}{value}}
}

func Lt(field string, value interface{}) *Node {
	return &Node{Op: OpLt, Field: field, Values: []interface{}{value}}
}

func Le(field string, value interface{}) *Node {
	return &Node{Op: OpLe, Field: field, Values: []interface{}{value}}
}

// Between matches min <= value <= max.
func Between(field string, min, max interface{}) *Node {
	return &Node{Op: OpBetween, Field: field, Values: []interface{}{min, max}}
}

func And(children ...*Node) *Node {
	return &Node{Op: OpAnd, Children: children}
}

func Or(children ...*Node) *Node {
	return &Node{Op: OpOr, Children: children}
}

// AndNot matches base and none of excluded.
func AndNot(base *Node, excluded ...*Node) *Node {
	return &Node{Op: OpAndNot, Children: append([]*Node{base}, excluded...)}
}

func (n *Node) String() string {
	if n.Op.isLogical() {
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = c.String()
		}
		return n.Op.String() + "(" + strings.Join(parts, ", ") + ")"
	}
	return fmt.Sprintf("%s %s %v", n.Field, n.Op, n.Values)
}

// Query selects records of Model. A nil Filter selects every record. SortBy names a
// range-indexed field; Offset and Limit apply to the sorted order, or to the unordered
// result when SortBy is empty. Fields restricts the hydrated fields.
type Query struct {
	Model  *Model
	Filter *Node
	SortBy string
	Desc   bool
	Offset int
	Limit  int
	Fields []string
}

func NewQuery(m *Model, filter *Node) *Query {
	return &Query{Model: m, Filter: filter}
}

func (q *Query) OrderBy(field string, desc bool) *Query {
	q.SortBy = field
	q.Desc = desc
	return q
}

func (q *Query) Slice(offset, limit int) *Query {
	q.Offset = offset
	q.Limit = limit
	return q
}

func (q *Query) Only(fields ...string) *Query {
	q.Fields = fields
	return q
}
