package memstore

import (
	"sort"
	"sync"

	"redismap/redis"
	"redismap/util/pattern"
)

// channel-level commands answered by the hub directly, one reply per channel
var subscriptionCommands = map[string]bool{
	"subscribe": true, "psubscribe": true, "unsubscribe": true, "punsubscribe": true,
}

// hub tracks subscribers. Confirmations and pushes are written while holding the lock, so a
// subscriber always sees its confirmation before any message published after it.
type hub struct {
	mu       sync.Mutex
	channels map[string]map[*session]struct{}
	patterns map[string]map[*session]struct{}
}

func newHub() *hub {
	return &hub{
		channels: make(map[string]map[*session]struct{}),
		patterns: make(map[string]map[*session]struct{}),
	}
}

func subscriptionReply(kind string, name []byte, count int) []byte {
	var nameReply *redis.Reply
	if name == nil {
		nameReply = redis.NilBulkReply
	} else {
		nameReply = redis.NewBulkReply(name)
	}
	return redis.NewArrayReply([]*redis.Reply{
		redis.NewBulkStringReply(kind),
		nameReply,
		redis.NewIntegerReply(int64(count)),
	}).ToBytes()
}

// handle runs one of the subscription commands for sess.
func (h *hub) handle(sess *session, name string, args [][]byte) error {
	if (name == "subscribe" || name == "psubscribe") && len(args) == 0 {
		return sess.write(wrongArgs(name).ToBytes())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch name {
	case "subscribe":
		return h.subscribeLocked(sess, name, args, h.channels, sess.channels)
	case "psubscribe":
		return h.subscribeLocked(sess, name, args, h.patterns, sess.patterns)
	case "unsubscribe":
		return h.unsubscribeLocked(sess, name, args, h.channels, sess.channels)
	default:
		return h.unsubscribeLocked(sess, name, args, h.patterns, sess.patterns)
	}
}

func (h *hub) subscribeLocked(sess *session, kind string, args [][]byte, index map[string]map[*session]struct{}, own map[string]struct{}) error {
	var out []byte
	for _, arg := range args {
		name := string(arg)
		if _, ok := own[name]; !ok {
			own[name] = struct{}{}
			subscribers, ok := index[name]
			if !ok {
				subscribers = make(map[*session]struct{})
				index[name] = subscribers
			}
			subscribers[sess] = struct{}{}
		}
		out = append(out, subscriptionReply(kind, arg, len(sess.channels)+len(sess.patterns))...)
	}
	return sess.write(out)
}

func (h *hub) unsubscribeLocked(sess *session, kind string, args [][]byte, index map[string]map[*session]struct{}, own map[string]struct{}) error {
	if len(args) == 0 {
		names := make([]string, 0, len(own))
		for name := range own {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			args = append(args, []byte(name))
		}
	}
	if len(args) == 0 {
		return sess.write(subscriptionReply(kind, nil, len(sess.channels)+len(sess.patterns)))
	}
	var out []byte
	for _, arg := range args {
		name := string(arg)
		if _, ok := own[name]; ok {
			delete(own, name)
			removeSubscriber(index, name, sess)
		}
		out = append(out, subscriptionReply(kind, arg, len(sess.channels)+len(sess.patterns))...)
	}
	return sess.write(out)
}

func removeSubscriber(index map[string]map[*session]struct{}, name string, sess *session) {
	subscribers := index[name]
	delete(subscribers, sess)
	if len(subscribers) == 0 {
		delete(index, name)
	}
}

func (h *hub) subscriptions(sess *session) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(sess.channels) + len(sess.patterns)
}

// publish delivers msg and returns the number of receivers.
func (h *hub) publish(channel string, msg []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	receivers := 0
	if subscribers, ok := h.channels[channel]; ok {
		push := redis.NewStringArrayReply([]string{"message", channel, string(msg)}).ToBytes()
		for sess := range subscribers {
			if sess.write(push) == nil {
				receivers++
			}
		}
	}
	for p, subscribers := range h.patterns {
		if !pattern.Match(p, channel) {
			continue
		}
		push := redis.NewStringArrayReply([]string{"pmessage", p, channel, string(msg)}).ToBytes()
		for sess := range subscribers {
			if sess.write(push) == nil {
				receivers++
			}
		}
	}
	return receivers
}

func (h *hub) unsubscribeAll(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name := range sess.channels {
		removeSubscriber(h.channels, name, sess)
	}
	for name := range sess.patterns {
		removeSubscriber(h.patterns, name, sess)
	}
	sess.channels = make(map[string]struct{})
	sess.patterns = make(map[string]struct{})
}
