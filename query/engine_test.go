package query_test

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"redismap/interface/backend"
	"redismap/internal/testkit"
	"redismap/namespace"
	"redismap/query"
	"redismap/redis"
	"redismap/script"
)

var currencies = []string{"EUR", "USD", "GBP", "JPY"}

type fixture struct {
	env    *testkit.Env
	engine *query.Engine
	store  *query.Store
	trade  *query.Model
	party  *query.Model
}

func newFixture(t *testing.T, exec func(env *testkit.Env) backend.Pipeliner) *fixture {
	env := testkit.New(t)
	party, err := query.NewModel("Party",
		&query.Field{Name: "country", Index: query.IndexEquality},
		&query.Field{Name: "rating", Index: query.IndexRange},
	)
	if err != nil {
		t.Fatal(err)
	}
	trade, err := query.NewModel("Trade",
		&query.Field{Name: "ccy", Index: query.IndexEquality},
		&query.Field{Name: "pv", Index: query.IndexRange},
		&query.Field{Name: "party", Index: query.IndexEquality, Related: party},
		&query.Field{Name: "note"},
	)
	if err != nil {
		t.Fatal(err)
	}
	var target backend.Pipeliner = env.Client
	if exec != nil {
		target = exec(env)
	}
	engine, err := query.NewEngine(target, env.Registry,
		query.WithObserver(env.Metrics), query.WithBatchSize(64), query.WithTempKeyTTL(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Close)
	return &fixture{env: env, engine: engine, store: query.NewStore(target), trade: trade, party: party}
}

type trade struct {
	id    string
	ccy   string
	pv    float64
	party int
}

// seed stores n random trades and returns them keyed by id.
func (f *fixture) seed(t *testing.T, rnd *rand.Rand, n int) map[string]trade {
	ctx := context.Background()
	trades := make(map[string]trade, n)
	for i := 0; i < n; i++ {
		tr := trade{
			id:    strconv.Itoa(i),
			ccy:   currencies[rnd.Intn(len(currencies))],
			pv:    float64(rnd.Intn(4000)-2000) / 100,
			party: rnd.Intn(10),
		}
		err := f.store.Save(ctx, f.trade, tr.id, map[string]interface{}{
			"ccy":   tr.ccy,
			"pv":    tr.pv,
			"party": tr.party,
			"note":  "trade " + tr.id,
		})
		if err != nil {
			t.Fatal(err)
		}
		trades[tr.id] = tr
	}
	return trades
}

func (f *fixture) ids(t *testing.T, q *query.Query) []string {
	t.Helper()
	ids, err := f.engine.IDs(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(ids)
	return ids
}

func (f *fixture) temporaries(t *testing.T) int64 {
	reply, err := f.env.Registry.Call(context.Background(), f.env.Client, script.CountPattern, []string{"*:tmp:*"})
	if err != nil {
		t.Fatal(err)
	}
	return reply.Int
}

func brute(trades map[string]trade, match func(tr trade) bool) []string {
	ids := make([]string, 0)
	for id, tr := range trades {
		if match(tr) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFilterMatchesBruteForce(t *testing.T) {
	for seed := int64(1); seed <= 3; seed++ {
		t.Run("seed "+strconv.FormatInt(seed, 10), func(t *testing.T) {
			f := newFixture(t, nil)
			trades := f.seed(t, rand.New(rand.NewSource(seed)), 500)
			got := f.ids(t, query.NewQuery(f.trade, query.And(query.Eq("ccy", "EUR"), query.Gt("pv", 10))))
			expected := brute(trades, func(tr trade) bool { return tr.ccy == "EUR" && tr.pv > 10 })
			if !equal(got, expected) {
				t.Logf("expect %d ids, got %d", len(expected), len(got))
				t.FailNow()
			}
			if n := f.temporaries(t); n != 0 {
				t.Fatalf("expect temporary keys to be removed, %d left", n)
			}
		})
	}
}

func TestAndIsIntersection(t *testing.T) {
	f := newFixture(t, nil)
	rnd := rand.New(rand.NewSource(42))
	f.seed(t, rnd, 300)
	for i := 0; i < 10; i++ {
		left := query.Eq("ccy", currencies[rnd.Intn(len(currencies))])
		right := query.Eq("party", rnd.Intn(10))
		a := f.ids(t, query.NewQuery(f.trade, left))
		b := f.ids(t, query.NewQuery(f.trade, right))
		inB := make(map[string]bool, len(b))
		for _, id := range b {
			inB[id] = true
		}
		expected := make([]string, 0)
		for _, id := range a {
			if inB[id] {
				expected = append(expected, id)
			}
		}
		got := f.ids(t, query.NewQuery(f.trade, query.And(left, right)))
		if !equal(got, expected) {
			t.Fatalf("%s: expect %v, got %v", query.And(left, right), expected, got)
		}
	}
}

func TestCombinators(t *testing.T) {
	f := newFixture(t, nil)
	trades := f.seed(t, rand.New(rand.NewSource(7)), 200)
	testCases := []struct {
		name   string
		filter *query.Node
		match  func(tr trade) bool
	}{
		{"or", query.Or(query.Eq("ccy", "JPY"), query.Le("pv", -15)), func(tr trade) bool { return tr.ccy == "JPY" || tr.pv <= -15 }},
		{"in", query.In("ccy", "EUR", "GBP"), func(tr trade) bool { return tr.ccy == "EUR" || tr.ccy == "GBP" }},
		{"and not", query.AndNot(query.Eq("ccy", "USD"), query.In("party", 1, 2)), func(tr trade) bool { return tr.ccy == "USD" && tr.party != 1 && tr.party != 2 }},
		{"between", query.Between("pv", -5, 5), func(tr trade) bool { return tr.pv >= -5 && tr.pv <= 5 }},
		{"merged bounds", query.And(query.Ge("pv", 0), query.Lt("pv", 10), query.Gt("pv", 2.5)), func(tr trade) bool { return tr.pv > 2.5 && tr.pv < 10 }},
		{"nested", query.And(query.Or(query.Eq("ccy", "EUR"), query.Eq("ccy", "USD")), query.AndNot(query.Gt("pv", 0), query.Eq("party", 3))), func(tr trade) bool {
			return (tr.ccy == "EUR" || tr.ccy == "USD") && tr.pv > 0 && tr.party != 3
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := f.ids(t, query.NewQuery(f.trade, tc.filter))
			if expected := brute(trades, tc.match); !equal(got, expected) {
				t.Fatalf("expect %d ids, got %d", len(expected), len(got))
			}
		})
	}
	if n := f.temporaries(t); n != 0 {
		t.Fatalf("expect temporary keys to be removed, %d left", n)
	}
}

func TestForeignKeyJoin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	trades := f.seed(t, rand.New(rand.NewSource(3)), 200)
	countries := make(map[int]string)
	ratings := make(map[int]float64)
	for p := 0; p < 10; p++ {
		countries[p] = []string{"FR", "DE"}[p%2]
		ratings[p] = float64(p % 5)
		err := f.store.Save(ctx, f.party, strconv.Itoa(p), map[string]interface{}{"country": countries[p], "rating": ratings[p]})
		if err != nil {
			t.Fatal(err)
		}
	}
	got := f.ids(t, query.NewQuery(f.trade, query.And(query.Eq("party__country", "FR"), query.Eq("ccy", "EUR"))))
	expected := brute(trades, func(tr trade) bool { return countries[tr.party] == "FR" && tr.ccy == "EUR" })
	if !equal(got, expected) {
		t.Fatalf("expect %d ids, got %d", len(expected), len(got))
	}
	got = f.ids(t, query.NewQuery(f.trade, query.And(query.Ge("party__rating", 1), query.Lt("party__rating", 3))))
	expected = brute(trades, func(tr trade) bool { return ratings[tr.party] >= 1 && ratings[tr.party] < 3 })
	if !equal(got, expected) {
		t.Fatalf("expect %d ids, got %d", len(expected), len(got))
	}
}

func TestSortedQuery(t *testing.T) {
	f := newFixture(t, nil)
	trades := f.seed(t, rand.New(rand.NewSource(11)), 100)
	q := query.NewQuery(f.trade, query.Eq("ccy", "USD")).OrderBy("pv", true).Slice(2, 5)
	ids, err := f.engine.IDs(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	expected := brute(trades, func(tr trade) bool { return tr.ccy == "USD" })
	sort.SliceStable(expected, func(i, j int) bool {
		a, b := trades[expected[i]], trades[expected[j]]
		if a.pv != b.pv {
			return a.pv > b.pv
		}
		return a.id > b.id
	})
	expected = expected[2:7]
	if !equal(ids, expected) {
		t.Fatalf("expect %v, got %v", expected, ids)
	}
}

func TestRunHydrates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	trades := f.seed(t, rand.New(rand.NewSource(5)), 150)
	records, err := f.engine.Run(ctx, query.NewQuery(f.trade, query.Eq("ccy", "GBP")))
	if err != nil {
		t.Fatal(err)
	}
	if expected := brute(trades, func(tr trade) bool { return tr.ccy == "GBP" }); len(records) != len(expected) {
		t.Fatalf("expect %d records, got %d", len(expected), len(records))
	}
	for _, r := range records {
		if r.Values["ccy"] != "GBP" || r.Values["note"] != "trade "+r.ID {
			t.Fatalf("unexpected record %+v", r)
		}
	}

	projected, err := f.engine.Run(ctx, query.NewQuery(f.trade, query.Eq("ccy", "GBP")).Only("note"))
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range projected {
		if len(r.Values) != 1 || r.Values["note"] == "" {
			t.Fatalf("expect only the projected field, got %+v", r.Values)
		}
	}

	seen := 0
	stop := errors.New("stop")
	err = f.engine.Iterate(ctx, query.NewQuery(f.trade, nil), func(r *query.Record) error {
		seen++
		if seen == 100 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || seen != 100 {
		t.Fatalf("expect iteration to stop at 100, got %d %v", seen, err)
	}

	n, err := f.engine.Count(ctx, query.NewQuery(f.trade, query.Gt("pv", 0)).OrderBy("pv", false).Slice(0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if expected := brute(trades, func(tr trade) bool { return tr.pv > 0 }); n != int64(len(expected)) {
		t.Fatalf("expect count %d, got %d", len(expected), n)
	}
}

func TestStoreMaintainsIndexes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.store.Save(ctx, f.trade, "t1", map[string]interface{}{"ccy": "EUR", "pv": 5}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Save(ctx, f.trade, "t1", map[string]interface{}{"ccy": "USD", "pv": 50}); err != nil {
		t.Fatal(err)
	}
	if ids := f.ids(t, query.NewQuery(f.trade, query.Eq("ccy", "EUR"))); len(ids) != 0 {
		t.Fatalf("expect the old index entry to be removed, got %v", ids)
	}
	if ids := f.ids(t, query.NewQuery(f.trade, query.And(query.Eq("ccy", "USD"), query.Gt("pv", 10)))); !equal(ids, []string{"t1"}) {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := f.store.Save(ctx, f.trade, "t1", map[string]interface{}{"missing": 1}); err == nil {
		t.Fatal("expect an unknown field to be rejected")
	}
	n, err := f.store.Delete(ctx, f.trade, "t1", "t2")
	if err != nil || n != 1 {
		t.Fatalf("delete: %d %v", n, err)
	}
	for _, q := range []*query.Query{
		query.NewQuery(f.trade, nil),
		query.NewQuery(f.trade, query.Eq("ccy", "USD")),
		query.NewQuery(f.trade, nil).OrderBy("pv", false),
	} {
		if ids := f.ids(t, q); len(ids) != 0 {
			t.Fatalf("expect no ids after delete, got %v", ids)
		}
	}
}

func TestErrorStages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.IDs(ctx, query.NewQuery(f.trade, query.Eq("note", "x")))
	var qerr *query.Error
	if !errors.As(err, &qerr) || qerr.Stage != query.StageCompile || !errors.Is(err, query.ErrCompile) {
		t.Fatalf("expect a compile error, got %v", err)
	}
	if f.env.Server.Stats().Commands != 0 {
		t.Fatal("a rejected query must not reach the server")
	}

	if _, err := f.env.Client.Execute(ctx, redis.NewCommand("SET", "Trade:idx:ccy:EUR", "not a set")); err != nil {
		t.Fatal(err)
	}
	_, err = f.engine.IDs(ctx, query.NewQuery(f.trade, query.And(query.Eq("ccy", "EUR"), query.Gt("pv", 0))))
	if !errors.As(err, &qerr) || qerr.Stage != query.StageCombinator || !redis.IsServerError(err, "WRONGTYPE") {
		t.Fatalf("expect a combinator error, got %v", err)
	}
	if n := f.temporaries(t); n != 0 {
		t.Fatalf("expect temporary keys to be removed after a failure, %d left", n)
	}
	if count := testutil.CollectAndCount(f.env.Metrics.QueryDuration); count == 0 {
		t.Fatal("expect query durations to be observed")
	}
}

func TestThroughNamespace(t *testing.T) {
	f := newFixture(t, func(env *testkit.Env) backend.Pipeliner {
		p, err := namespace.New(env.Client, "tenant:", env.Registry)
		if err != nil {
			t.Fatal(err)
		}
		return p
	})
	trades := f.seed(t, rand.New(rand.NewSource(9)), 100)
	got := f.ids(t, query.NewQuery(f.trade, query.And(query.Eq("ccy", "EUR"), query.Gt("pv", 0))))
	if expected := brute(trades, func(tr trade) bool { return tr.ccy == "EUR" && tr.pv > 0 }); !equal(got, expected) {
		t.Fatalf("expect %d ids, got %d", len(expected), len(got))
	}
	reply, err := f.env.Client.Execute(context.Background(), redis.NewCommand("SCARD", "tenant:Trade:id"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Int != 100 {
		t.Fatalf("expect records under the namespace prefix, got %d", reply.Int)
	}
}

func TestRunAll(t *testing.T) {
	f := newFixture(t, nil)
	trades := f.seed(t, rand.New(rand.NewSource(13)), 200)
	queries := make([]*query.Query, 0, len(currencies)+1)
	for _, ccy := range currencies {
		queries = append(queries, query.NewQuery(f.trade, query.And(query.Eq("ccy", ccy), query.Lt("pv", 0))))
	}
	queries = append(queries, query.NewQuery(f.trade, query.Eq("note", "x")))
	results := f.engine.RunAll(context.Background(), queries...)
	for i, ccy := range currencies {
		if results[i].Err != nil {
			t.Fatal(results[i].Err)
		}
		expected := brute(trades, func(tr trade) bool { return tr.ccy == ccy && tr.pv < 0 })
		if len(results[i].Records) != len(expected) {
			t.Fatalf("%s: expect %d records, got %d", ccy, len(expected), len(results[i].Records))
		}
	}
	if !errors.Is(results[len(currencies)].Err, query.ErrCompile) {
		t.Fatalf("expect the invalid query to fail alone, got %v", results[len(currencies)].Err)
	}
}
