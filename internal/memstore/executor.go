package memstore

import (
	"strconv"
	"strings"

	"redismap/redis"
)

const (
	errWrongType  = "WRONGTYPE Operation against a key holding the wrong kind of value"
	errNotInteger = "ERR value is not an integer or out of range"
	errNotFloat   = "ERR value is not a valid float"
	errSyntax     = "ERR syntax error"
)

// execContext is what a command sees while it runs. The server lock is held.
type execContext struct {
	srv  *Server
	sess *session
	db   *keyspace
}

type execFunc func(ctx *execContext, args [][]byte) *redis.Reply

type executor struct {
	fn execFunc
	// arity counts the name too: positive means exactly, negative means at least -arity
	arity int
}

var executors = make(map[string]*executor)

func registerCommand(name string, fn execFunc, arity int) {
	executors[strings.ToLower(name)] = &executor{fn: fn, arity: arity}
}

func (e *executor) validArgs(n int) bool {
	if e.arity >= 0 {
		return n == e.arity
	}
	return n >= -e.arity
}

func wrongArgs(name string) *redis.Reply {
	return redis.NewErrorReplyf("ERR wrong number of arguments for '%s' command", name)
}

// commands allowed while a connection is subscribed
var subscribedCommands = map[string]bool{
	"subscribe": true, "unsubscribe": true, "psubscribe": true, "punsubscribe": true, "ping": true, "quit": true,
}

// execute handles session level commands and runs the rest under the server lock.
func (s *Server) execute(sess *session, args [][]byte) *redis.Reply {
	name := strings.ToLower(string(args[0]))
	operands := args[1:]
	if !sess.authed && name != "auth" && name != "quit" {
		return redis.NewErrorReply("NOAUTH Authentication required.")
	}
	if !subscribedCommands[name] && s.hub.subscriptions(sess) > 0 {
		return redis.NewErrorReplyf("ERR Can't execute '%s': only (P)SUBSCRIBE / (P)UNSUBSCRIBE / PING / QUIT are allowed in this context", name)
	}
	switch name {
	case "quit":
		sess.quit = true
		return redis.OKReply
	case "auth":
		return s.execAuth(sess, operands)
	case "select":
		return s.execSelect(sess, operands)
	case "multi":
		return startMulti(sess)
	case "discard":
		return discardMulti(sess)
	case "exec":
		return s.execMulti(sess)
	case "watch":
		if sess.multi {
			return redis.NewErrorReply("ERR WATCH inside MULTI is not allowed")
		}
		return s.watch(sess, operands)
	case "unwatch":
		sess.watching = make(map[string]int64)
		return redis.OKReply
	case "publish":
		if len(operands) != 2 {
			return wrongArgs(name)
		}
		return redis.NewIntegerReply(int64(s.hub.publish(string(operands[0]), operands[1])))
	}
	if sess.multi {
		return enqueue(sess, name, args)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeLocked(sess, name, operands)
}

func (s *Server) executeLocked(sess *session, name string, args [][]byte) *redis.Reply {
	exec, ok := executors[name]
	if !ok {
		return redis.NewErrorReplyf("ERR unknown command '%s'", name)
	}
	if !exec.validArgs(len(args) + 1) {
		return wrongArgs(name)
	}
	ctx := &execContext{srv: s, sess: sess, db: s.dbs[sess.db]}
	return exec.fn(ctx, args)
}

func (s *Server) execAuth(sess *session, args [][]byte) *redis.Reply {
	if len(args) != 1 {
		return wrongArgs("auth")
	}
	if s.opts.Password == "" {
		return redis.NewErrorReply("ERR Client sent AUTH, but no password is set")
	}
	if string(args[0]) != s.opts.Password {
		sess.authed = false
		return redis.NewErrorReply("WRONGPASS invalid username-password pair")
	}
	sess.authed = true
	return redis.OKReply
}

func (s *Server) execSelect(sess *session, args [][]byte) *redis.Reply {
	if len(args) != 1 {
		return wrongArgs("select")
	}
	idx, err := strconv.Atoi(string(args[0]))
	if err != nil {
		return redis.NewErrorReply(errNotInteger)
	}
	if idx < 0 || idx >= len(s.dbs) {
		return redis.NewErrorReply("ERR DB index is out of range")
	}
	if sess.multi {
		sess.queued = append(sess.queued, [][]byte{[]byte("select"), args[0]})
		return redis.QueuedReply
	}
	sess.db = idx
	return redis.OKReply
}

func parseInt(b []byte) (int64, bool) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	return n, err == nil
}

func parseFloat(b []byte) (float64, bool) {
	f, err := strconv.ParseFloat(string(b), 64)
	return f, err == nil
}

func formatFloat(f float64) string {
	return redis.FormatFloat(f)
}

func formatInt(n int) string {
	return strconv.Itoa(n)
}
