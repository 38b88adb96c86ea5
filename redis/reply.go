package redis

import (
	"fmt"
	"strconv"
	"strings"
)

type ReplyKind byte

const (
	KindStatus  ReplyKind = StatusPrefix
	KindError   ReplyKind = ErrorPrefix
	KindInteger ReplyKind = IntegerPrefix
	KindBulk    ReplyKind = BulkPrefix
	KindArray   ReplyKind = ArrayPrefix
)

// Reply is one decoded server reply. Error replies are values; call Err to turn them into an error.
type Reply struct {
	Kind  ReplyKind
	Str   []byte
	Int   int64
	Array []*Reply
	// Nil marks a null bulk string ($-1) or a null array (*-1).
	Nil bool
}

var (
	OKReply        = NewStatusReply("OK")
	QueuedReply    = NewStatusReply("QUEUED")
	NilBulkReply   = &Reply{Kind: KindBulk, Nil: true}
	NilArrayReply  = &Reply{Kind: KindArray, Nil: true}
	EmptyListReply = &Reply{Kind: KindArray, Array: []*Reply{}}
)

func NewStatusReply(status string) *Reply {
	return &Reply{Kind: KindStatus, Str: []byte(status)}
}

func NewErrorReply(msg string) *Reply {
	return &Reply{Kind: KindError, Str: []byte(msg)}
}

func NewErrorReplyf(format string, args ...interface{}) *Reply {
	return NewErrorReply(fmt.Sprintf(format, args...))
}

func NewIntegerReply(n int64) *Reply {
	return &Reply{Kind: KindInteger, Int: n}
}

func NewBulkReply(b []byte) *Reply {
	if b == nil {
		return NilBulkReply
	}
	return &Reply{Kind: KindBulk, Str: b}
}

func NewBulkStringReply(s string) *Reply {
	return &Reply{Kind: KindBulk, Str: []byte(s)}
}

func NewArrayReply(items []*Reply) *Reply {
	if items == nil {
		items = []*Reply{}
	}
	return &Reply{Kind: KindArray, Array: items}
}

func NewStringArrayReply(items []string) *Reply {
	arr := make([]*Reply, len(items))
	for i, s := range items {
		arr[i] = NewBulkStringReply(s)
	}
	return NewArrayReply(arr)
}

func (r *Reply) IsNil() bool {
	return r.Nil
}

func (r *Reply) IsError() bool {
	return r.Kind == KindError
}

// Err returns a *ServerError for error replies and nil otherwise.
func (r *Reply) Err() error {
	if r.Kind == KindError {
		return &ServerError{Message: string(r.Str)}
	}
	return nil
}

// String returns the textual value of status, error, bulk and integer replies.
func (r *Reply) String() string {
	switch r.Kind {
	case KindInteger:
		return strconv.FormatInt(r.Int, 10)
	case KindArray:
		if r.Nil {
			return "(nil)"
		}
		parts := make([]string, len(r.Array))
		for i, item := range r.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	if r.Nil {
		return "(nil)"
	}
	return string(r.Str)
}

func (r *Reply) Bytes() ([]byte, error) {
	switch r.Kind {
	case KindError:
		return nil, r.Err()
	case KindBulk, KindStatus:
		if r.Nil {
			return nil, ErrNil
		}
		return r.Str, nil
	case KindInteger:
		return []byte(strconv.FormatInt(r.Int, 10)), nil
	}
	return nil, fmt.Errorf("redis: unexpected %c reply for bytes", r.Kind)
}

func (r *Reply) Int64() (int64, error) {
	switch r.Kind {
	case KindError:
		return 0, r.Err()
	case KindInteger:
		return r.Int, nil
	case KindBulk, KindStatus:
		if r.Nil {
			return 0, ErrNil
		}
		return strconv.ParseInt(string(r.Str), 10, 64)
	}
	return 0, fmt.Errorf("redis: unexpected %c reply for integer", r.Kind)
}

func (r *Reply) Float64() (float64, error) {
	b, err := r.Bytes()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(b), 64)
}

// Strings converts an array reply of bulk strings. Nil elements become empty strings.
func (r *Reply) Strings() ([]string, error) {
	if r.Kind == KindError {
		return nil, r.Err()
	}
	if r.Kind != KindArray {
		return nil, fmt.Errorf("redis: unexpected %c reply for array", r.Kind)
	}
	if r.Nil {
		return nil, nil
	}
	out := make([]string, len(r.Array))
	for i, item := range r.Array {
		if item.Kind == KindError {
			return nil, item.Err()
		}
		out[i] = item.String()
		if item.Nil {
			out[i] = ""
		}
	}
	return out, nil
}

// StringMap converts a flat [k1 v1 k2 v2 ...] array reply, as returned by HGETALL.
func (r *Reply) StringMap() (map[string]string, error) {
	items, err := r.Strings()
	if err != nil {
		return nil, err
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("redis: odd number of elements in map reply")
	}
	m := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		m[items[i]] = items[i+1]
	}
	return m, nil
}

// Equal compares two replies structurally.
func (r *Reply) Equal(o *Reply) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Kind != o.Kind || r.Nil != o.Nil {
		return false
	}
	switch r.Kind {
	case KindInteger:
		return r.Int == o.Int
	case KindArray:
		if len(r.Array) != len(o.Array) {
			return false
		}
		for i := range r.Array {
			if !r.Array[i].Equal(o.Array[i]) {
				return false
			}
		}
		return true
	}
	return string(r.Str) == string(o.Str)
}
