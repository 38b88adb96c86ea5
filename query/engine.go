// Package query compiles filter expressions over indexed records into server-side set
// operations and runs them.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"redismap/interface/backend"
	"redismap/redis"
	"redismap/script"
	"redismap/util/log"
)

type Stage string

const (
	StageCompile      Stage = "compile"
	StageIndexLookup  Stage = "index lookup"
	StageCombinator   Stage = "combinator"
	StageScriptUpload Stage = "script upload"
	StageHydration    Stage = "hydration"
)

// Error is a failed query and the stage it failed in.
type Error struct {
	Stage Stage
	Model string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query %s: %s: %v", e.Model, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Record is a hydrated record: its id and the stored form of its fields.
type Record struct {
	ID     string
	Values map[string]string
}

// Result is the outcome of one query of RunAll.
type Result struct {
	Records []*Record
	Err     error
}

// Observer is told about every finished query.
type Observer interface {
	ObserveQuery(model string, start time.Time, err error)
}

const (
	defaultTempKeyTTL = time.Minute
	defaultBatchSize  = 500
	defaultWorkers    = 8
)

// Engine runs queries through an executor, which may be a client or a namespace proxy.
type Engine struct {
	exec      backend.Pipeliner
	scripts   *script.Registry
	ttl       time.Duration
	batchSize int
	workers   int
	observer  Observer
	pool      *ants.Pool
}

type Option func(e *Engine)

// WithTempKeyTTL sets the expiry of temporary keys, which bounds what a crashed query leaves behind.
func WithTempKeyTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithBatchSize sets how many records one hydration round trip fetches.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithWorkers bounds how many queries RunAll runs at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// NewEngine creates an engine. scripts must hold the built-in scripts.
func NewEngine(exec backend.Pipeliner, scripts *script.Registry, opts ...Option) (*Engine, error) {
	e := &Engine{
		exec:      exec,
		scripts:   scripts,
		ttl:       defaultTempKeyTTL,
		batchSize: defaultBatchSize,
		workers:   defaultWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, name := range []string{script.Move2Set, script.FKJoin} {
		if _, ok := scripts.Get(name); !ok {
			return nil, fmt.Errorf("query engine needs script %s: %w", name, script.ErrUnknownScript)
		}
	}
	pool, err := ants.NewPool(e.workers)
	if err != nil {
		return nil, fmt.Errorf("create query workers: %w", err)
	}
	e.pool = pool
	return e, nil
}

// Close stops the RunAll workers.
func (e *Engine) Close() {
	e.pool.Release()
}

func (e *Engine) observe(q *Query, start time.Time, err error) {
	if e.observer != nil {
		e.observer.ObserveQuery(modelName(q), start, err)
	}
}

func modelName(q *Query) string {
	if q == nil || q.Model == nil {
		return ""
	}
	return q.Model.Name
}

func (e *Engine) tempID() string {
	return uuid.NewString()
}

// IDs returns the ids of the matching records, in sort order if the query is sorted.
func (e *Engine) IDs(ctx context.Context, q *Query) (ids []string, err error) {
	start := time.Now()
	defer func() { e.observe(q, start, err) }()
	return e.ids(ctx, q)
}

// Count returns the number of matching records. Sorting and slicing are ignored.
func (e *Engine) Count(ctx context.Context, q *Query) (n int64, err error) {
	start := time.Now()
	defer func() { e.observe(q, start, err) }()
	if q != nil {
		unsorted := *q
		unsorted.SortBy, unsorted.Offset, unsorted.Limit, unsorted.Fields = "", 0, 0, nil
		q = &unsorted
	}
	plan, err := e.prepare(ctx, q)
	if err != nil {
		return 0, err
	}
	defer e.cleanup(ctx, plan)
	reply, err := e.exec.Execute(ctx, redis.NewCommand("SCARD", plan.Result))
	if err == nil {
		n, err = reply.Int64()
	}
	if err != nil {
		return 0, &Error{Stage: StageIndexLookup, Model: plan.Model.Name, Err: err}
	}
	return n, nil
}

// Run returns the matching records, restricted to the projected fields if the query has a
// projection. Records removed while the query ran are skipped.
func (e *Engine) Run(ctx context.Context, q *Query) (records []*Record, err error) {
	start := time.Now()
	defer func() { e.observe(q, start, err) }()
	ids, err := e.ids(ctx, q)
	if err != nil {
		return nil, err
	}
	records = make([]*Record, 0, len(ids))
	err = e.hydrate(ctx, q, ids, func(r *Record) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Iterate calls fn for every matching record, fetching them a batch at a time. An error
// returned by fn stops the iteration and is returned as is.
func (e *Engine) Iterate(ctx context.Context, q *Query, fn func(r *Record) error) (err error) {
	start := time.Now()
	defer func() { e.observe(q, start, err) }()
	ids, err := e.ids(ctx, q)
	if err != nil {
		return err
	}
	return e.hydrate(ctx, q, ids, fn)
}

// RunAll runs independent queries concurrently on the engine's workers. Results are in the
// order of queries.
func (e *Engine) RunAll(ctx context.Context, queries ...*Query) []Result {
	results := make([]Result, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		i, q := i, q
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i].Err = fmt.Errorf("query %s panicked: %v", modelName(q), r)
				}
			}()
			results[i].Records, results[i].Err = e.Run(ctx, q)
		})
		if err != nil {
			wg.Done()
			results[i].Err = err
		}
	}
	wg.Wait()
	return results
}

// prepare compiles q and runs its steps. The caller must clean up the plan.
func (e *Engine) prepare(ctx context.Context, q *Query) (*Plan, error) {
	plan, err := Compile(q, e.tempID)
	if err != nil {
		return nil, &Error{Stage: StageCompile, Model: modelName(q), Err: err}
	}
	for _, step := range plan.Steps {
		if err := e.runStep(ctx, step); err != nil {
			e.cleanup(ctx, plan)
			return nil, &Error{Stage: stageOf(step, err), Model: plan.Model.Name, Err: err}
		}
	}
	return plan, nil
}

func (e *Engine) ids(ctx context.Context, q *Query) ([]string, error) {
	plan, err := e.prepare(ctx, q)
	if err != nil {
		return nil, err
	}
	defer e.cleanup(ctx, plan)
	ids, err := e.read(ctx, plan)
	if err != nil {
		return nil, &Error{Stage: StageIndexLookup, Model: plan.Model.Name, Err: err}
	}
	return ids, nil
}

func stageOf(step Step, err error) Stage {
	var uploadErr *script.UploadError
	if errors.As(err, &uploadErr) {
		return StageScriptUpload
	}
	if step.Kind == StepRange {
		return StageIndexLookup
	}
	return StageCombinator
}

func (e *Engine) ttlSeconds() int64 {
	seconds := int64(e.ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func keyArgs(first interface{}, keys []string, rest ...interface{}) []interface{} {
	args := make([]interface{}, 0, 1+len(keys)+len(rest))
	args = append(args, first)
	for _, key := range keys {
		args = append(args, key)
	}
	return append(args, rest...)
}

func (e *Engine) runStep(ctx context.Context, step Step) error {
	var reply *redis.Reply
	var err error
	switch step.Kind {
	case StepRange:
		reply, err = e.scripts.Call(ctx, e.exec, script.Move2Set,
			[]string{step.Sources[0], step.Dest}, step.Min, step.Max, e.ttlSeconds())
	case StepJoin:
		reply, err = e.scripts.Call(ctx, e.exec, script.FKJoin,
			[]string{step.Sources[0], step.Dest, step.Base}, e.ttlSeconds())
	default:
		var cmd *redis.Command
		switch step.Kind {
		case StepInter:
			cmd = redis.NewCommand("SINTERSTORE", keyArgs(step.Dest, step.Sources)...)
		case StepUnion:
			cmd = redis.NewCommand("SUNIONSTORE", keyArgs(step.Dest, step.Sources)...)
		case StepDiff:
			cmd = redis.NewCommand("SDIFFSTORE", keyArgs(step.Dest, step.Sources)...)
		case StepSort:
			cmd = redis.NewCommand("ZINTERSTORE", keyArgs(step.Dest, nil, 2, step.Sources[0], step.Sources[1], "WEIGHTS", 0, 1)...)
		default:
			return fmt.Errorf("unknown step kind %d", step.Kind)
		}
		pipe := e.exec.Pipeline()
		pipe.Add(cmd)
		pipe.Add(redis.NewCommand("EXPIRE", step.Dest, e.ttlSeconds()))
		var replies []*redis.Reply
		replies, err = pipe.Exec(ctx)
		if err == nil {
			reply = replies[0]
		}
	}
	if err != nil {
		return err
	}
	return reply.Err()
}

// read fetches the ids in Result, applying the offset and limit.
func (e *Engine) read(ctx context.Context, plan *Plan) ([]string, error) {
	if plan.Sorted {
		stop := -1
		if plan.Limit > 0 {
			stop = plan.Offset + plan.Limit - 1
		}
		name := "ZRANGE"
		if plan.Desc {
			name = "ZREVRANGE"
		}
		reply, err := e.exec.Execute(ctx, redis.NewCommand(name, plan.Result, plan.Offset, stop))
		if err != nil {
			return nil, err
		}
		return reply.Strings()
	}
	reply, err := e.exec.Execute(ctx, redis.NewCommand("SMEMBERS", plan.Result))
	if err != nil {
		return nil, err
	}
	ids, err := reply.Strings()
	if err != nil {
		return nil, err
	}
	if plan.Offset == 0 && plan.Limit == 0 {
		return ids, nil
	}
	// sets have no order; slice a stable one
	sort.Strings(ids)
	if plan.Offset >= len(ids) {
		return []string{}, nil
	}
	ids = ids[plan.Offset:]
	if plan.Limit > 0 && plan.Limit < len(ids) {
		ids = ids[:plan.Limit]
	}
	return ids, nil
}

// cleanup deletes the temporary keys of plan. Failures are logged; the keys expire anyway.
func (e *Engine) cleanup(ctx context.Context, plan *Plan) {
	if len(plan.Temps) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	cmd := redis.NewCommand("DEL", keyArgs(plan.Temps[0], plan.Temps[1:])...)
	reply, err := e.exec.Execute(ctx, cmd)
	if err == nil {
		err = reply.Err()
	}
	if err != nil {
		log.Warn("query %s: dropping %d temporary keys: %v", plan.Model.Name, len(plan.Temps), err)
	}
}

// hydrate fetches the records of ids in batches, one pipelined round trip per batch.
func (e *Engine) hydrate(ctx context.Context, q *Query, ids []string, fn func(r *Record) error) error {
	for start := 0; start < len(ids); start += e.batchSize {
		end := start + e.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		records, err := e.fetch(ctx, q.Model, ids[start:end], q.Fields)
		if err != nil {
			return &Error{Stage: StageHydration, Model: q.Model.Name, Err: err}
		}
		for _, r := range records {
			if err := fn(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) fetch(ctx context.Context, m *Model, ids []string, fields []string) ([]*Record, error) {
	pipe := e.exec.Pipeline()
	for _, id := range ids {
		if len(fields) == 0 {
			pipe.Add(redis.NewCommand("HGETALL", m.ObjectKey(id)))
		} else {
			pipe.Add(redis.NewCommand("HMGET", keyArgs(m.ObjectKey(id), fields)...))
		}
	}
	replies, err := pipe.Exec(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(ids))
	for i, reply := range replies {
		if err := reply.Err(); err != nil {
			return nil, fmt.Errorf("record %s: %w", ids[i], err)
		}
		var values map[string]string
		if len(fields) == 0 {
			if values, err = reply.StringMap(); err != nil {
				return nil, err
			}
		} else {
			values = make(map[string]string, len(fields))
			for j, item := range reply.Array {
				if j < len(fields) && !item.IsNil() {
					values[fields[j]] = string(item.Str)
				}
			}
		}
		if len(values) == 0 {
			continue
		}
		records = append(records, &Record{ID: ids[i], Values: values})
	}
	return records, nil
}
