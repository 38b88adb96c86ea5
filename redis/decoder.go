package redis

import (
	"bytes"
	"strconv"
)

const (
	maxBulkLength  = 512 * 1024 * 1024
	maxArrayLength = 1024 * 1024 * 1024
	// arrays preallocate at most this many items; longer ones grow as elements arrive
	maxArrayPrealloc = 1024
)

type frameKind byte

const (
	frameBulk frameKind = iota
	frameArray
)

// frame is a suspended partial decode. The chain runs from the innermost pending
// task (Decoder.top) to the outermost array through parent.
type frame struct {
	kind frameKind
	// length is the declared byte length of a bulk string or element count of an array
	length int
	items  []*Reply
	parent *frame
}

// Decoder turns a byte stream into replies. Bytes may arrive in chunks of any size:
// Feed appends them and Next returns the next complete reply or ErrIncomplete, keeping
// the partial state for the next call. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	pos int
	top *frame
}

func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 4096)}
}

func (d *Decoder) Feed(p []byte) {
	if d.pos > 0 {
		if d.pos == len(d.buf) {
			d.buf = d.buf[:0]
		} else {
			n := copy(d.buf, d.buf[d.pos:])
			d.buf = d.buf[:n]
		}
		d.pos = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered is the number of fed bytes not consumed yet.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.pos
}

// InProgress reports whether any bytes of the next reply have been fed, consumed or not.
func (d *Decoder) InProgress() bool {
	return d.top != nil || d.Buffered() > 0
}

// Reset drops buffered bytes and any suspended partial reply.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.pos = 0
	d.top = nil
}

func (d *Decoder) fail(err *ProtocolError) error {
	// Line points into buf, which Reset hands back for reuse
	err.Line = append([]byte(nil), err.Line...)
	d.Reset()
	return err
}

// Next decodes the next reply. It returns ErrIncomplete when more bytes are needed and
// a *ProtocolError, after discarding everything buffered, when the stream is malformed.
func (d *Decoder) Next() (*Reply, error) {
	for {
		var r *Reply
		if d.top != nil && d.top.kind == frameBulk {
			n := d.top.length
			if d.Buffered() < n+2 {
				return nil, ErrIncomplete
			}
			end := d.pos + n
			if d.buf[end] != '\r' || d.buf[end+1] != '\n' {
				return nil, d.fail(&ProtocolError{Reason: "bulk string not terminated by CRLF"})
			}
			r = &Reply{Kind: KindBulk, Str: append([]byte(nil), d.buf[d.pos:end]...)}
			d.pos = end + 2
			d.top = d.top.parent
		} else {
			if d.Buffered() == 0 {
				return nil, ErrIncomplete
			}
			switch d.buf[d.pos] {
			case StatusPrefix, ErrorPrefix, IntegerPrefix, BulkPrefix, ArrayPrefix:
			default:
				return nil, d.fail(&ProtocolError{Reason: "unknown reply type", Line: d.buf[d.pos : d.pos+1]})
			}
			line, err := d.line()
			if err != nil {
				return nil, err
			}
			if line == nil {
				return nil, ErrIncomplete
			}
			switch line[0] {
			case StatusPrefix:
				r = &Reply{Kind: KindStatus, Str: append([]byte(nil), line[1:]...)}
			case ErrorPrefix:
				r = &Reply{Kind: KindError, Str: append([]byte(nil), line[1:]...)}
			case IntegerPrefix:
				n, perr := strconv.ParseInt(string(line[1:]), 10, 64)
				if perr != nil {
					return nil, d.fail(&ProtocolError{Reason: "invalid integer", Line: line})
				}
				r = &Reply{Kind: KindInteger, Int: n}
			case BulkPrefix:
				n, perr := strconv.Atoi(string(line[1:]))
				if perr != nil || n < -1 || n > maxBulkLength {
					return nil, d.fail(&ProtocolError{Reason: "invalid bulk length", Line: line})
				}
				if n == -1 {
					r = NilBulkReply
				} else {
					// the header is consumed; the frame remembers the length
					d.top = &frame{kind: frameBulk, length: n, parent: d.top}
				}
			case ArrayPrefix:
				n, perr := strconv.Atoi(string(line[1:]))
				if perr != nil || n < -1 || n > maxArrayLength {
					return nil, d.fail(&ProtocolError{Reason: "invalid array length", Line: line})
				}
				switch n {
				case -1:
					r = NilArrayReply
				case 0:
					r = &Reply{Kind: KindArray, Array: []*Reply{}}
				default:
					d.top = &frame{kind: frameArray, length: n, items: make([]*Reply, 0, min(n, maxArrayPrealloc)), parent: d.top}
				}
			}
			d.pos += len(line) + 2
			if r == nil {
				continue
			}
		}
		// hand the completed value to its parent, completing arrays inner to outer
		for {
			if d.top == nil {
				return r, nil
			}
			f := d.top
			f.items = append(f.items, r)
			if len(f.items) < f.length {
				break
			}
			r = &Reply{Kind: KindArray, Array: f.items}
			d.top = f.parent
		}
	}
}

// line returns the next CRLF terminated line without the terminator, or nil if none is buffered yet.
// Nothing is consumed.
func (d *Decoder) line() ([]byte, error) {
	idx := bytes.IndexByte(d.buf[d.pos:], '\n')
	if idx < 0 {
		return nil, nil
	}
	if idx < 2 || d.buf[d.pos+idx-1] != '\r' {
		return nil, d.fail(&ProtocolError{Reason: "line not terminated by CRLF", Line: d.buf[d.pos : d.pos+idx+1]})
	}
	return d.buf[d.pos : d.pos+idx-1], nil
}
