package memstore

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"redismap/redis"
)

// ScriptFunc is a native body EVALSHA runs instead of the uploaded Lua for a bound script
// hash. call executes a command inside the script, as redis.pcall would: error replies are
// returned as values.
type ScriptFunc func(call func(args ...string) *redis.Reply, keys, argv []string) *redis.Reply

// scriptCache holds compiled bodies by hash. Bindings outlive SCRIPT FLUSH, bodies do not.
type scriptCache struct {
	loaded  map[string]*lua.FunctionProto
	natives map[string]ScriptFunc
	loads   atomic.Int64
}

func newScriptCache() *scriptCache {
	return &scriptCache{
		loaded:  make(map[string]*lua.FunctionProto),
		natives: make(map[string]ScriptFunc),
	}
}

func (c *scriptCache) bind(sha string, fn ScriptFunc) {
	c.natives[strings.ToLower(sha)] = fn
}

func (c *scriptCache) load(body string) (string, error) {
	sum := sha1.Sum([]byte(body))
	sha := hex.EncodeToString(sum[:])
	c.loads.Add(1)
	if _, ok := c.loaded[sha]; ok {
		return sha, nil
	}
	proto, err := compile(sha, body)
	if err != nil {
		return "", err
	}
	c.loaded[sha] = proto
	return sha, nil
}

func (c *scriptCache) flush() {
	c.loaded = make(map[string]*lua.FunctionProto)
}

func init() {
	registerCommand("script", execScript, -2)
	registerCommand("evalsha", execEvalSHA, -3)
	registerCommand("eval", execEval, -3)
}

// SCRIPT LOAD body | SCRIPT EXISTS sha [sha ...] | SCRIPT FLUSH
func execScript(ctx *execContext, args [][]byte) *redis.Reply {
	cache := ctx.srv.scripts
	switch sub := strings.ToLower(string(args[0])); sub {
	case "load":
		if len(args) != 2 {
			return wrongArgs("script|load")
		}
		sha, err := cache.load(string(args[1]))
		if err != nil {
			return redis.NewErrorReplyf("ERR Error compiling script (new function): %v", err)
		}
		return redis.NewBulkStringReply(sha)
	case "exists":
		if len(args) < 2 {
			return wrongArgs("script|exists")
		}
		replies := make([]*redis.Reply, len(args)-1)
		for i, sha := range args[1:] {
			_, ok := cache.loaded[strings.ToLower(string(sha))]
			if ok {
				replies[i] = redis.NewIntegerReply(1)
			} else {
				replies[i] = redis.NewIntegerReply(0)
			}
		}
		return redis.NewArrayReply(replies)
	case "flush":
		cache.flush()
		return redis.OKReply
	default:
		return redis.NewErrorReplyf("ERR unknown subcommand '%s'", sub)
	}
}

// EVALSHA sha numkeys [key ...] [arg ...]
func execEvalSHA(ctx *execContext, args [][]byte) *redis.Reply {
	sha := strings.ToLower(string(args[0]))
	if _, ok := ctx.srv.scripts.loaded[sha]; !ok {
		return redis.NewErrorReply("NOSCRIPT No matching script. Please use EVAL.")
	}
	return runScript(ctx, sha, args[1:])
}

// EVAL body numkeys [key ...] [arg ...]
func execEval(ctx *execContext, args [][]byte) *redis.Reply {
	sha, err := ctx.srv.scripts.load(string(args[0]))
	if err != nil {
		return redis.NewErrorReplyf("ERR Error compiling script (new function): %v", err)
	}
	return runScript(ctx, sha, args[1:])
}

func runScript(ctx *execContext, sha string, args [][]byte) *redis.Reply {
	numKeys, err := strconv.Atoi(string(args[0]))
	if err != nil || numKeys < 0 {
		return redis.NewErrorReply("ERR value is not an integer or out of range")
	}
	if numKeys > len(args)-1 {
		return redis.NewErrorReply("ERR Number of keys can't be greater than number of args")
	}
	keys := toStrings(args[1 : 1+numKeys])
	argv := toStrings(args[1+numKeys:])
	call := func(cmd ...string) *redis.Reply {
		if len(cmd) == 0 {
			return redis.NewErrorReply("ERR Please specify at least one argument for this redis lib call")
		}
		name := strings.ToLower(cmd[0])
		switch name {
		case "eval", "evalsha", "script", "multi", "exec", "watch", "select":
			return redis.NewErrorReply("ERR This Redis command is not allowed from script")
		}
		operands := make([][]byte, len(cmd)-1)
		for i, a := range cmd[1:] {
			operands[i] = []byte(a)
		}
		return ctx.srv.executeLocked(ctx.sess, name, operands)
	}
	if fn, ok := ctx.srv.scripts.natives[sha]; ok {
		return fn(call, keys, argv)
	}
	return runLua(ctx.srv.scripts.loaded[sha], call, keys, argv)
}

func toStrings(args [][]byte) []string {
	result := make([]string, len(args))
	for i, a := range args {
		result[i] = string(a)
	}
	return result
}
