package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"redismap/config"
	"redismap/interface/backend"
	"redismap/namespace"
	"redismap/query"
	"redismap/script"
)

var (
	benchRecords int
	benchRounds  int
	benchSeed    int64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Index random records and check a ccy/pv query against a client-side filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		props := config.Properties
		c, metrics, err := newClient(prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer c.Close()
		scripts := script.NewRegistry(script.WithUploadObserver(metrics))
		if err := script.RegisterBuiltins(scripts); err != nil {
			return err
		}
		prefix := props.Namespace
		if prefix == "" {
			prefix = "bench-" + strconv.FormatInt(time.Now().UnixNano(), 36) + ":"
		}
		proxy, err := namespace.New(c, prefix, scripts)
		if err != nil {
			return err
		}
		var exec backend.Pipeliner = proxy
		engine, err := query.NewEngine(exec, scripts,
			query.WithTempKeyTTL(props.TempKeyTTL),
			query.WithWorkers(props.QueryWorkers),
			query.WithObserver(metrics))
		if err != nil {
			return err
		}
		defer engine.Close()
		defer func() {
			if n, err := proxy.FlushDB(ctx); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d keys under %s\n", n, prefix)
			}
		}()

		trade, err := query.NewModel("Trade",
			&query.Field{Name: "ccy", Index: query.IndexEquality},
			&query.Field{Name: "pv", Index: query.IndexRange},
		)
		if err != nil {
			return err
		}
		store := query.NewStore(exec)
		rnd := rand.New(rand.NewSource(benchSeed))
		currencies := []string{"EUR", "USD", "GBP", "CHF"}
		expected := make(map[string]bool)
		start := time.Now()
		for i := 0; i < benchRecords; i++ {
			id := strconv.Itoa(i)
			ccy := currencies[rnd.Intn(len(currencies))]
			pv := float64(rnd.Intn(10000)-5000) / 100
			if err := store.Save(ctx, trade, id, map[string]interface{}{"ccy": ccy, "pv": pv}); err != nil {
				return err
			}
			if ccy == "EUR" && pv > 10 {
				expected[id] = true
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d records in %v\n", benchRecords, time.Since(start))

		q := query.NewQuery(trade, query.And(query.Eq("ccy", "EUR"), query.Gt("pv", 10)))
		queries := make([]*query.Query, benchRounds)
		for i := range queries {
			queries[i] = q
		}
		start = time.Now()
		for i, res := range engine.RunAll(ctx, queries...) {
			if res.Err != nil {
				return res.Err
			}
			if len(res.Records) != len(expected) {
				return fmt.Errorf("round %d: %d records, expected %d", i, len(res.Records), len(expected))
			}
			for _, r := range res.Records {
				if !expected[r.ID] {
					return fmt.Errorf("round %d: unexpected record %s", i, r.ID)
				}
			}
		}
		elapsed := time.Since(start)
		fmt.Fprintf(cmd.OutOrStdout(), "%d queries matched %d records each in %v (%v per query)\n",
			benchRounds, len(expected), elapsed, elapsed/time.Duration(max(benchRounds, 1)))
		return nil
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchRecords, "records", 500, "records to index")
	benchCmd.Flags().IntVar(&benchRounds, "rounds", 20, "queries to run")
	benchCmd.Flags().Int64Var(&benchSeed, "seed", 1, "random seed")
}
