package redis

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PostProcess identifies how a reply is rewritten before it reaches the caller.
type PostProcess byte

const (
	PostNone PostProcess = iota
	// PostStripKeys strips a key prefix from every element of an array reply.
	PostStripKeys
	// PostStripFirst strips a key prefix from the first element of an array reply, as in BLPOP.
	PostStripFirst
)

// Command is a request: the command name followed by its operands. It is not modified after creation.
type Command struct {
	args [][]byte
	post PostProcess
}

// NewCommand builds a command from a name and operands. Operands may be string, []byte,
// integer, float or bool values; anything else is formatted with fmt.
func NewCommand(name string, args ...interface{}) *Command {
	parts := make([][]byte, 0, len(args)+1)
	parts = append(parts, []byte(name))
	for _, arg := range args {
		parts = append(parts, ToBytes(arg))
	}
	return &Command{args: parts}
}

// NewCommandArgs builds a command that takes ownership of parts.
func NewCommandArgs(parts [][]byte) *Command {
	return &Command{args: parts}
}

func ToBytes(arg interface{}) []byte {
	switch v := arg.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	case int:
		return strconv.AppendInt(nil, int64(v), 10)
	case int32:
		return strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case uint64:
		return strconv.AppendUint(nil, v, 10)
	case float64:
		return []byte(FormatFloat(v))
	case bool:
		if v {
			return []byte("1")
		}
		return []byte("0")
	case nil:
		return []byte{}
	case fmt.Stringer:
		return []byte(v.String())
	}
	return []byte(fmt.Sprint(arg))
}

// FormatFloat formats scores the way the server accepts them, including infinities.
func FormatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Name is the upper-cased command name.
func (c *Command) Name() string {
	if len(c.args) == 0 {
		return ""
	}
	return strings.ToUpper(string(c.args[0]))
}

// Args returns the operands without the name. Callers must not modify them.
func (c *Command) Args() [][]byte {
	if len(c.args) == 0 {
		return nil
	}
	return c.args[1:]
}

// Parts returns name and operands. Callers must not modify them.
func (c *Command) Parts() [][]byte {
	return c.args
}

func (c *Command) Len() int {
	return len(c.args)
}

func (c *Command) PostProcess() PostProcess {
	return c.post
}

// WithPostProcess returns a copy of the command carrying the given post-processor.
func (c *Command) WithPostProcess(p PostProcess) *Command {
	return &Command{args: c.args, post: p}
}

func (c *Command) String() string {
	parts := make([]string, len(c.args))
	for i, a := range c.args {
		parts[i] = string(a)
	}
	return strings.Join(parts, " ")
}
