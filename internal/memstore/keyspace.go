package memstore

import (
	"time"

	"redismap/internal/memstore/zset"
	"redismap/util/pqueue"
)

const (
	typeString = "string"
	typeHash   = "hash"
	typeSet    = "set"
	typeZSet   = "zset"
	typeList   = "list"
)

type (
	hashValue map[string][]byte
	setValue  map[string]struct{}
	listValue struct{ items [][]byte }
)

// keyspace is one logical database. Expired keys are removed on access and by the
// server's expiry cycle, which follows deadlines.
type keyspace struct {
	data      map[string]interface{}
	expires   map[string]time.Time
	deadlines *pqueue.Deadlines
	versions  map[string]int64
}

func newKeyspace() *keyspace {
	return &keyspace{
		data:      make(map[string]interface{}),
		expires:   make(map[string]time.Time),
		deadlines: pqueue.NewDeadlines(),
		versions:  make(map[string]int64),
	}
}

func typeOf(v interface{}) string {
	switch v.(type) {
	case []byte:
		return typeString
	case hashValue:
		return typeHash
	case setValue:
		return typeSet
	case *zset.SortedSet:
		return typeZSet
	case *listValue:
		return typeList
	}
	return "none"
}

func (ks *keyspace) expireIfNeeded(key string) bool {
	at, ok := ks.expires[key]
	if !ok || time.Now().Before(at) {
		return false
	}
	delete(ks.expires, key)
	ks.deadlines.Remove(key)
	delete(ks.data, key)
	ks.versions[key]++
	return true
}

// expireDue removes up to limit keys whose ttl has passed and reports how many it removed.
func (ks *keyspace) expireDue(now time.Time, limit int) int {
	removed := 0
	for _, key := range ks.deadlines.PopDue(now, limit) {
		if at, ok := ks.expires[key]; ok && !now.Before(at) {
			delete(ks.expires, key)
			delete(ks.data, key)
			ks.versions[key]++
			removed++
		}
	}
	return removed
}

func (ks *keyspace) get(key string) (interface{}, bool) {
	if ks.expireIfNeeded(key) {
		return nil, false
	}
	v, ok := ks.data[key]
	return v, ok
}

// put stores v, dropping any expiry, and bumps the key version.
func (ks *keyspace) put(key string, v interface{}) {
	ks.data[key] = v
	delete(ks.expires, key)
	ks.deadlines.Remove(key)
	ks.touch(key)
}

// touch marks an in-place modification for WATCH.
func (ks *keyspace) touch(key string) {
	ks.versions[key]++
}

func (ks *keyspace) remove(key string) bool {
	if _, ok := ks.get(key); !ok {
		return false
	}
	delete(ks.data, key)
	delete(ks.expires, key)
	ks.deadlines.Remove(key)
	ks.touch(key)
	return true
}

func (ks *keyspace) expireAt(key string, at time.Time) bool {
	if _, ok := ks.get(key); !ok {
		return false
	}
	ks.expires[key] = at
	ks.deadlines.Set(key, at)
	ks.touch(key)
	return true
}

func (ks *keyspace) persist(key string) bool {
	if _, ok := ks.get(key); !ok {
		return false
	}
	if _, ok := ks.expires[key]; !ok {
		return false
	}
	delete(ks.expires, key)
	ks.deadlines.Remove(key)
	return true
}

// ttl returns -2 for a missing key and -1 for a key without expiry.
func (ks *keyspace) ttl(key string) time.Duration {
	if _, ok := ks.get(key); !ok {
		return -2
	}
	at, ok := ks.expires[key]
	if !ok {
		return -1
	}
	return time.Until(at)
}

func (ks *keyspace) keys() []string {
	keys := make([]string, 0, len(ks.data))
	for k := range ks.data {
		if ks.expireIfNeeded(k) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func (ks *keyspace) size() int {
	return len(ks.keys())
}

func (ks *keyspace) flush() {
	for k := range ks.data {
		ks.versions[k]++
	}
	ks.data = make(map[string]interface{})
	ks.expires = make(map[string]time.Time)
	ks.deadlines.Reset()
}

func (ks *keyspace) version(key string) int64 {
	ks.expireIfNeeded(key)
	return ks.versions[key]
}

// removeIfEmpty deletes containers left empty by a removal, as the server never keeps empty keys.
func (ks *keyspace) removeIfEmpty(key string) {
	v, ok := ks.data[key]
	if !ok {
		return
	}
	empty := false
	switch c := v.(type) {
	case hashValue:
		empty = len(c) == 0
	case setValue:
		empty = len(c) == 0
	case *zset.SortedSet:
		empty = c.Size() == 0
	case *listValue:
		empty = len(c.items) == 0
	}
	if empty {
		delete(ks.data, key)
		delete(ks.expires, key)
		ks.deadlines.Remove(key)
	}
}
