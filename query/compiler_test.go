package query

import (
	"errors"
	"strconv"
	"testing"
)

func testModels(t *testing.T) (trade, party *Model) {
	party, err := NewModel("Party",
		&Field{Name: "country", Index: IndexEquality},
		&Field{Name: "rating", Index: IndexRange},
		&Field{Name: "name"},
	)
	if err != nil {
		t.Fatal(err)
	}
	trade, err = NewModel("Trade",
		&Field{Name: "ccy", Index: IndexEquality},
		&Field{Name: "pv", Index: IndexRange},
		&Field{Name: "party", Index: IndexEquality, Related: party},
		&Field{Name: "note"},
	)
	if err != nil {
		t.Fatal(err)
	}
	return trade, party
}

func counter() func() string {
	n := 0
	return func() string {
		n++
		return strconv.Itoa(n)
	}
}

func TestCompile(t *testing.T) {
	trade, _ := testModels(t)
	testCases := []struct {
		name   string
		query  *Query
		steps  []StepKind
		result string
		sorted bool
	}{
		{
			name:   "all",
			query:  NewQuery(trade, nil),
			result: "Trade:id",
		},
		{
			name:   "equality leaf uses the index directly",
			query:  NewQuery(trade, Eq("ccy", "EUR")),
			result: "Trade:idx:ccy:EUR",
		},
		{
			name:   "and",
			query:  NewQuery(trade, And(Eq("ccy", "EUR"), Gt("pv", 10))),
			steps:  []StepKind{StepRange, StepInter},
			result: "Trade:tmp:2",
		},
		{
			name:   "or of in",
			query:  NewQuery(trade, Or(In("ccy", "EUR", "USD"), Eq("party", 3))),
			steps:  []StepKind{StepUnion, StepUnion},
			result: "Trade:tmp:2",
		},
		{
			name:   "and not",
			query:  NewQuery(trade, AndNot(Eq("ccy", "EUR"), Eq("party", 1), Eq("party", 2))),
			steps:  []StepKind{StepDiff},
			result: "Trade:tmp:1",
		},
		{
			name:   "join",
			query:  NewQuery(trade, Eq("party__country", "FR")),
			steps:  []StepKind{StepJoin},
			result: "Trade:tmp:1",
		},
		{
			name:   "join on a range",
			query:  NewQuery(trade, And(Ge("party__rating", 2), Lt("party__rating", 4))),
			steps:  []StepKind{StepRange, StepJoin},
			result: "Trade:tmp:2",
		},
		{
			name:   "sorted without filter reads the index",
			query:  NewQuery(trade, nil).OrderBy("pv", true),
			result: "Trade:idx:pv",
			sorted: true,
		},
		{
			name:   "sorted filter intersects into the index",
			query:  NewQuery(trade, Eq("ccy", "EUR")).OrderBy("pv", false),
			steps:  []StepKind{StepSort},
			result: "Trade:tmp:1",
			sorted: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := Compile(tc.query, counter())
			if err != nil {
				t.Fatal(err)
			}
			if len(plan.Steps) != len(tc.steps) {
				t.Fatalf("expect %d steps, got %+v", len(tc.steps), plan.Steps)
			}
			for i, kind := range tc.steps {
				if plan.Steps[i].Kind != kind {
					t.Fatalf("step %d: expect kind %d, got %d", i, kind, plan.Steps[i].Kind)
				}
			}
			if plan.Result != tc.result || plan.Sorted != tc.sorted {
				t.Fatalf("unexpected result %s sorted=%v", plan.Result, plan.Sorted)
			}
			if len(plan.Temps) != len(plan.Steps) {
				t.Fatal("every step must register its temporary key")
			}
		})
	}
}

func TestCompileMergesBounds(t *testing.T) {
	trade, _ := testModels(t)
	testCases := []struct {
		filter   *Node
		min, max string
	}{
		{And(Gt("pv", 10), Lt("pv", 20)), "(10", "(20"},
		{And(Gt("pv", 10), Ge("pv", 15), Le("pv", 30), Lt("pv", 30)), "15", "(30"},
		{And(Ge("pv", 10), Gt("pv", 10)), "(10", "+inf"},
		{And(Between("pv", 1, 100), Le("pv", 50.5)), "1", "50.5"},
		{Eq("pv", 7), "7", "7"},
		{Lt("pv", -1), "-inf", "(-1"},
	}
	for _, tc := range testCases {
		t.Run(tc.filter.String(), func(t *testing.T) {
			plan, err := Compile(NewQuery(trade, tc.filter), counter())
			if err != nil {
				t.Fatal(err)
			}
			if len(plan.Steps) != 1 || plan.Steps[0].Kind != StepRange {
				t.Fatalf("expect a single range lookup, got %+v", plan.Steps)
			}
			step := plan.Steps[0]
			if step.Min != tc.min || step.Max != tc.max {
				t.Logf("expect [%s, %s], got [%s, %s]", tc.min, tc.max, step.Min, step.Max)
				t.FailNow()
			}
			if step.Sources[0] != "Trade:idx:pv" {
				t.Fatalf("unexpected index %s", step.Sources[0])
			}
		})
	}
}

func TestCompileJoinKeys(t *testing.T) {
	trade, _ := testModels(t)
	plan, err := Compile(NewQuery(trade, Eq("party__country", "FR")), counter())
	if err != nil {
		t.Fatal(err)
	}
	step := plan.Steps[0]
	if step.Sources[0] != "Party:idx:country:FR" || step.Base != "Trade:idx:party:" || step.Dest != "Trade:tmp:1" {
		t.Fatalf("unexpected join %+v", step)
	}
}

func TestCompileErrors(t *testing.T) {
	trade, _ := testModels(t)
	testCases := []struct {
		name  string
		query *Query
	}{
		{"no model", &Query{}},
		{"unknown field", NewQuery(trade, Eq("missing", 1))},
		{"unindexed field", NewQuery(trade, Eq("note", "x"))},
		{"range on equality field", NewQuery(trade, Gt("ccy", 1))},
		{"sort on equality field", NewQuery(trade, nil).OrderBy("ccy", false)},
		{"sort on unknown field", NewQuery(trade, nil).OrderBy("missing", false)},
		{"unknown projection", NewQuery(trade, nil).Only("ccy", "missing")},
		{"not a foreign key", NewQuery(trade, Eq("ccy__country", "FR"))},
		{"two join levels", NewQuery(trade, Eq("party__country__name", "FR"))},
		{"empty and", NewQuery(trade, And())},
		{"empty in", NewQuery(trade, In("ccy"))},
		{"between arity", NewQuery(trade, &Node{Op: OpBetween, Field: "pv", Values: []interface{}{1}})},
		{"bad score", NewQuery(trade, Gt("pv", "ten"))},
		{"negative limit", NewQuery(trade, nil).Slice(0, -1)},
		{"nil child", NewQuery(trade, Or(Eq("ccy", "EUR"), nil))},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Compile(tc.query, counter()); !errors.Is(err, ErrCompile) {
				t.Fatalf("expect ErrCompile, got %v", err)
			}
		})
	}
}

func TestNewModelValidates(t *testing.T) {
	_, party := testModels(t)
	if _, err := NewModel("A", &Field{Name: "x"}, &Field{Name: "x"}); err == nil {
		t.Fatal("expect duplicate fields to be rejected")
	}
	if _, err := NewModel("A", &Field{Name: "p", Related: party}); err == nil {
		t.Fatal("expect an unindexed foreign key to be rejected")
	}
	if _, err := NewModel("A:B"); err == nil {
		t.Fatal("expect a model name with a separator to be rejected")
	}
	if _, err := NewModel("A", &Field{Name: "a__b"}); err == nil {
		t.Fatal("expect a field name with a path separator to be rejected")
	}
}
