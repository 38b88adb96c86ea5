package redis

import (
	"strconv"
)

// Encode serializes a command as an array of bulk strings in a single buffer.
func Encode(command *Command) []byte {
	return AppendCommand(make([]byte, 0, encodedSize(command)), command)
}

// EncodeAll serializes commands back to back, as sent by a pipeline.
func EncodeAll(commands []*Command) []byte {
	size := 0
	for _, c := range commands {
		size += encodedSize(c)
	}
	buf := make([]byte, 0, size)
	for _, c := range commands {
		buf = AppendCommand(buf, c)
	}
	return buf
}

func AppendCommand(buf []byte, command *Command) []byte {
	parts := command.Parts()
	buf = append(buf, ArrayPrefix)
	buf = strconv.AppendInt(buf, int64(len(parts)), 10)
	buf = append(buf, CRLF...)
	for _, part := range parts {
		buf = append(buf, BulkPrefix)
		buf = strconv.AppendInt(buf, int64(len(part)), 10)
		buf = append(buf, CRLF...)
		buf = append(buf, part...)
		buf = append(buf, CRLF...)
	}
	return buf
}

func encodedSize(command *Command) int {
	// "*" + count + CRLF, then "$" + len + CRLF + data + CRLF for each part; 20 digits covers any length
	size := 1 + 20 + 2
	for _, part := range command.Parts() {
		size += 1 + 20 + 2 + len(part) + 2
	}
	return size
}

// AppendTo serializes the reply, used by the in-process server and the codec tests.
func (r *Reply) AppendTo(buf []byte) []byte {
	switch r.Kind {
	case KindStatus, KindError:
		buf = append(buf, byte(r.Kind))
		buf = append(buf, r.Str...)
		return append(buf, CRLF...)
	case KindInteger:
		buf = append(buf, IntegerPrefix)
		buf = strconv.AppendInt(buf, r.Int, 10)
		return append(buf, CRLF...)
	case KindBulk:
		if r.Nil {
			return append(buf, NullBulkBytes...)
		}
		buf = append(buf, BulkPrefix)
		buf = strconv.AppendInt(buf, int64(len(r.Str)), 10)
		buf = append(buf, CRLF...)
		buf = append(buf, r.Str...)
		return append(buf, CRLF...)
	case KindArray:
		if r.Nil {
			return append(buf, NullArrayBytes...)
		}
		buf = append(buf, ArrayPrefix)
		buf = strconv.AppendInt(buf, int64(len(r.Array)), 10)
		buf = append(buf, CRLF...)
		for _, item := range r.Array {
			buf = item.AppendTo(buf)
		}
		return buf
	}
	return buf
}

func (r *Reply) ToBytes() []byte {
	return r.AppendTo(nil)
}
