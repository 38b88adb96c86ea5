package memstore

import (
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"redismap/redis"
	"redismap/util/log"
)

// Options configures a Server. Zero values select the defaults.
type Options struct {
	// Password enables AUTH; commands other than AUTH are rejected until it succeeds.
	Password string
	// MaxClients bounds concurrent connections, each served by one pooled goroutine.
	MaxClients int
	Databases  int
}

// Stats counts what the server has seen since start.
type Stats struct {
	Connections int64
	Commands    int64
	ScriptLoads int64
	// ExpiredKeys counts keys removed by the expiry cycle, not on access.
	ExpiredKeys int64
}

const (
	expireInterval = 100 * time.Millisecond
	// expireBatch bounds the keys one cycle removes per database, keeping the lock short.
	expireBatch = 200
)

// Server is an in-process RESP server holding everything in memory. It understands the
// subset of commands the engine uses: strings, hashes, sets, sorted sets, lists, keys and
// expiry, MULTI/EXEC/WATCH, SCRIPT/EVALSHA with native script bindings and pub/sub.
type Server struct {
	opts     Options
	runID    string
	listener net.Listener
	workers  *ants.Pool
	sessions sync.Map
	wg       sync.WaitGroup
	closed   atomic.Bool
	stop     chan struct{}

	// mu serializes command execution, which makes scripts and EXEC atomic
	mu      sync.Mutex
	dbs     []*keyspace
	scripts *scriptCache

	hub *hub

	dropNext    atomic.Int64
	connections atomic.Int64
	commands    atomic.Int64
	expired     atomic.Int64
}

func New(opts Options) *Server {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 1024
	}
	if opts.Databases <= 0 {
		opts.Databases = 16
	}
	s := &Server{
		opts:    opts,
		runID:   strings.ReplaceAll(uuid.NewString(), "-", ""),
		dbs:     make([]*keyspace, opts.Databases),
		scripts: newScriptCache(),
		hub:     newHub(),
		stop:    make(chan struct{}),
	}
	for i := range s.dbs {
		s.dbs[i] = newKeyspace()
	}
	return s
}

// Start listens on address, "127.0.0.1:0" picks a free port, and accepts in the background.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	workers, err := ants.NewPool(s.opts.MaxClients, ants.WithNonblocking(true), ants.WithPanicHandler(func(v interface{}) {
		log.Errorf("connection handler panic: %v", v)
	}))
	if err != nil {
		_ = listener.Close()
		return err
	}
	s.listener = listener
	s.workers = workers
	s.wg.Add(2)
	go s.acceptLoop()
	go s.expireLoop()
	log.Info("memstore listening on %s, run id %s", listener.Addr(), s.runID)
	return nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) RunID() string {
	return s.runID
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !s.closed.Load() {
				log.Errorf("accept error: %v", err)
			}
			return
		}
		sess := newSession(nc, s.opts.Password == "")
		s.sessions.Store(sess, struct{}{})
		s.connections.Add(1)
		err = s.workers.Submit(func() {
			s.serve(sess)
		})
		if errors.Is(err, ants.ErrPoolOverload) {
			_ = sess.write(redis.NewErrorReply("ERR max number of clients reached").ToBytes())
			s.closeSession(sess)
		}
	}
}

// expireLoop removes keys whose ttl passed even if nobody reads them again.
func (s *Server) expireLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			removed := 0
			for _, db := range s.dbs {
				removed += db.expireDue(now, expireBatch)
			}
			s.mu.Unlock()
			if removed > 0 {
				s.expired.Add(int64(removed))
				log.Debug("expired %d keys", removed)
			}
		}
	}
}

func (s *Server) serve(sess *session) {
	defer s.closeSession(sess)
	buf := make([]byte, 16*1024)
	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			sess.decoder.Feed(buf[:n])
			if !s.handleBuffered(sess) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// handleBuffered executes every complete request and writes the replies in one write.
// It returns false when the connection must be closed.
func (s *Server) handleBuffered(sess *session) bool {
	var out []byte
	keep := true
	for keep {
		req, err := sess.decoder.Next()
		if errors.Is(err, redis.ErrIncomplete) {
			break
		}
		if err != nil {
			out = redis.NewErrorReply("ERR Protocol error: " + err.Error()).AppendTo(out)
			keep = false
			break
		}
		args, ok := requestArgs(req)
		if !ok {
			out = redis.NewErrorReply("ERR Protocol error: expected array of bulk strings").AppendTo(out)
			keep = false
			break
		}
		if s.dropNext.Load() > 0 && s.dropNext.Add(-1) >= 0 {
			// simulated transport failure: close without answering
			return false
		}
		s.commands.Add(1)
		if name := strings.ToLower(string(args[0])); subscriptionCommands[name] && sess.authed && !sess.multi {
			// flush earlier replies first, the hub writes its own
			if len(out) > 0 {
				if err := sess.write(out); err != nil {
					return false
				}
				out = out[:0]
			}
			if err := s.hub.handle(sess, name, args[1:]); err != nil {
				return false
			}
			continue
		}
		reply := s.execute(sess, args)
		out = reply.AppendTo(out)
		if sess.quit {
			keep = false
		}
	}
	if len(out) > 0 {
		if err := sess.write(out); err != nil {
			return false
		}
	}
	return keep
}

func requestArgs(req *redis.Reply) ([][]byte, bool) {
	if req.Kind != redis.KindArray || req.Nil || len(req.Array) == 0 {
		return nil, false
	}
	args := make([][]byte, len(req.Array))
	for i, item := range req.Array {
		if item.Kind != redis.KindBulk || item.Nil {
			return nil, false
		}
		args[i] = item.Str
	}
	return args, true
}

func (s *Server) closeSession(sess *session) {
	if _, loaded := s.sessions.LoadAndDelete(sess); !loaded {
		return
	}
	s.hub.unsubscribeAll(sess)
	_ = sess.conn.Close()
}

// DropNext makes the server close the connection on each of the next n requests instead of
// answering them.
func (s *Server) DropNext(n int) {
	s.dropNext.Store(int64(n))
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Commands:    s.commands.Load(),
		ScriptLoads: s.scripts.loads.Load(),
		ExpiredKeys: s.expired.Load(),
	}
}

// Bind attaches the native implementation run by EVALSHA for a script hash.
func (s *Server) Bind(sha string, fn ScriptFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts.bind(sha, fn)
}

// FlushScripts empties the script cache, as SCRIPT FLUSH or a restart would.
func (s *Server) FlushScripts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts.flush()
}

// CloseClients drops every client connection, keeping the data.
func (s *Server) CloseClients() {
	s.sessions.Range(func(k, _ interface{}) bool {
		s.closeSession(k.(*session))
		return true
	})
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.listener.Close()
	close(s.stop)
	s.CloseClients()
	s.wg.Wait()
	s.workers.Release()
	log.Info("memstore on %s closed", s.listener.Addr())
	return err
}
