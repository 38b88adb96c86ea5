package query

import (
	"context"
	"fmt"
	"sort"

	"redismap/interface/backend"
	"redismap/redis"
)

// Store writes records and keeps their indexes in step. Each write is one transaction;
// the previous values it needs to unindex are read just before it.
type Store struct {
	exec backend.Pipeliner
}

func NewStore(exec backend.Pipeliner) *Store {
	return &Store{exec: exec}
}

// Save writes values into the record id, leaving fields not named in values as they are.
func (s *Store) Save(ctx context.Context, m *Model, id string, values map[string]interface{}) error {
	if id == "" {
		return fmt.Errorf("save %s: empty id", m.Name)
	}
	names := make([]string, 0, len(values))
	for name := range values {
		if _, ok := m.Field(name); !ok {
			return fmt.Errorf("save %s: unknown field %s", m.Name, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	reply, err := s.exec.Execute(ctx, redis.NewCommand("HGETALL", m.ObjectKey(id)))
	if err != nil {
		return err
	}
	old, err := reply.StringMap()
	if err != nil {
		return err
	}

	tx := s.exec.Transaction()
	hset := []interface{}{m.ObjectKey(id)}
	for _, name := range names {
		f, _ := m.Field(name)
		encoded, err := f.encode(values[name])
		if err != nil {
			return fmt.Errorf("save %s.%s: %w", m.Name, name, err)
		}
		hset = append(hset, name, encoded)
		switch f.Index {
		case IndexEquality:
			if prev, ok := old[name]; ok && prev != encoded {
				tx.Add(redis.NewCommand("SREM", m.EqualityKey(name, prev), id))
			}
			tx.Add(redis.NewCommand("SADD", m.EqualityKey(name, encoded), id))
		case IndexRange:
			score, err := f.score(values[name])
			if err != nil {
				return fmt.Errorf("save %s.%s: %w", m.Name, name, err)
			}
			tx.Add(redis.NewCommand("ZADD", m.RangeKey(name), score, id))
		}
	}
	if len(names) > 0 {
		tx.Add(redis.NewCommand("HSET", hset...))
	}
	tx.Add(redis.NewCommand("SADD", m.IDsKey(), id))
	replies, err := tx.Exec(ctx)
	if err != nil {
		return fmt.Errorf("save %s %s: %w", m.Name, id, err)
	}
	return firstError(replies)
}

// Delete removes records with their index entries and reports how many existed.
func (s *Store) Delete(ctx context.Context, m *Model, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.exec.Pipeline()
	for _, id := range ids {
		pipe.Add(redis.NewCommand("HGETALL", m.ObjectKey(id)))
	}
	replies, err := pipe.Exec(ctx)
	if err != nil {
		return 0, err
	}
	tx := s.exec.Transaction()
	for i, id := range ids {
		old, err := replies[i].StringMap()
		if err != nil {
			return 0, err
		}
		for _, f := range m.Fields {
			switch f.Index {
			case IndexEquality:
				if prev, ok := old[f.Name]; ok {
					tx.Add(redis.NewCommand("SREM", m.EqualityKey(f.Name, prev), id))
				}
			case IndexRange:
				tx.Add(redis.NewCommand("ZREM", m.RangeKey(f.Name), id))
			}
		}
		tx.Add(redis.NewCommand("SREM", m.IDsKey(), id))
	}
	tx.Add(redis.NewCommand("DEL", keyArgs(m.ObjectKey(ids[0]), objectKeys(m, ids[1:]))...))
	results, err := tx.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", m.Name, err)
	}
	if err := firstError(results); err != nil {
		return 0, err
	}
	return int(results[len(results)-1].Int), nil
}

func objectKeys(m *Model, ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = m.ObjectKey(id)
	}
	return keys
}

func firstError(replies []*redis.Reply) error {
	for _, reply := range replies {
		if err := reply.Err(); err != nil {
			return err
		}
	}
	return nil
}
