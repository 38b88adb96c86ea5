package memstore

import (
	"strconv"
	"strings"

	"redismap/redis"
)

// commands that can not be queued inside MULTI
var forbiddenInMulti = map[string]bool{"watch": true, "multi": true, "subscribe": true, "psubscribe": true}

func watchKey(db int, key string) string {
	return strconv.Itoa(db) + ":" + key
}

func (s *Server) watch(sess *session, keys [][]byte) *redis.Reply {
	if len(keys) == 0 {
		return wrongArgs("watch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.dbs[sess.db]
	for _, key := range keys {
		sess.watching[watchKey(sess.db, string(key))] = ks.version(string(key))
	}
	return redis.OKReply
}

func startMulti(sess *session) *redis.Reply {
	if sess.multi {
		return redis.NewErrorReply("ERR MULTI calls can not be nested")
	}
	sess.multi = true
	sess.queued = nil
	sess.queueErr = false
	return redis.OKReply
}

func discardMulti(sess *session) *redis.Reply {
	if !sess.multi {
		return redis.NewErrorReply("ERR DISCARD without MULTI")
	}
	sess.resetMulti()
	return redis.OKReply
}

// enqueue validates a command against the executor table; a rejected command makes EXEC abort.
func enqueue(sess *session, name string, args [][]byte) *redis.Reply {
	if forbiddenInMulti[name] {
		sess.queueErr = true
		return redis.NewErrorReplyf("ERR Command not allowed inside a transaction")
	}
	exec, ok := executors[name]
	if !ok {
		sess.queueErr = true
		return redis.NewErrorReplyf("ERR unknown command '%s'", name)
	}
	if !exec.validArgs(len(args)) {
		sess.queueErr = true
		return wrongArgs(name)
	}
	sess.queued = append(sess.queued, args)
	return redis.QueuedReply
}

func (s *Server) execMulti(sess *session) *redis.Reply {
	if !sess.multi {
		return redis.NewErrorReply("ERR EXEC without MULTI")
	}
	defer sess.resetMulti()
	if sess.queueErr {
		return redis.NewErrorReply("EXECABORT Transaction discarded because of previous errors.")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for watched, version := range sess.watching {
		sep := strings.IndexByte(watched, ':')
		db, _ := strconv.Atoi(watched[:sep])
		if s.dbs[db].version(watched[sep+1:]) != version {
			return redis.NilArrayReply
		}
	}
	replies := make([]*redis.Reply, len(sess.queued))
	for i, args := range sess.queued {
		name := strings.ToLower(string(args[0]))
		if name == "select" {
			idx, _ := strconv.Atoi(string(args[1]))
			sess.db = idx
			replies[i] = redis.OKReply
			continue
		}
		replies[i] = s.executeLocked(sess, name, args[1:])
	}
	return redis.NewArrayReply(replies)
}
