package memstore

import (
	"net"
	"sync"

	"redismap/redis"
)

// session is the server side state of one client connection.
type session struct {
	conn    net.Conn
	decoder *redis.Decoder
	wmu     sync.Mutex

	db     int
	authed bool
	quit   bool

	multi    bool
	queued   [][][]byte
	queueErr bool
	// watching maps "<db>:<key>" to the key version seen by WATCH
	watching map[string]int64

	// subscriptions, guarded by the hub lock
	channels map[string]struct{}
	patterns map[string]struct{}
}

func newSession(conn net.Conn, authed bool) *session {
	return &session{
		conn:     conn,
		decoder:  redis.NewDecoder(),
		authed:   authed,
		watching: make(map[string]int64),
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}
}

// write sends encoded bytes; pushes from publishers share the lock with regular replies.
func (s *session) write(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(b)
	return err
}

func (s *session) resetMulti() {
	s.multi = false
	s.queued = nil
	s.queueErr = false
	s.watching = make(map[string]int64)
}
