package memstore

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"redismap/redis"
)

// compile parses a script body once; the prototype is shared by every run of it.
func compile(sha, body string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(body), "@user_script")
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, "user_script:"+sha)
}

// luaLibs are the libraries a script can reach. io, os and the module loader stay closed.
var luaLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// runLua executes proto in a fresh state with KEYS, ARGV and the redis.call/redis.pcall
// bindings, converting values between replies and Lua the way a redis server does.
func runLua(proto *lua.FunctionProto, call func(args ...string) *redis.Reply, keys, argv []string) *redis.Reply {
	L := lua.NewState(lua.Options{SkipOpenLibs: true, CallStackSize: 128, RegistrySize: 1024})
	defer L.Close()
	for _, lib := range luaLibs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return redis.NewErrorReplyf("ERR open lua library %s: %v", lib.name, err)
		}
	}
	L.SetGlobal("KEYS", stringTable(L, keys))
	L.SetGlobal("ARGV", stringTable(L, argv))

	invoke := func(raise bool) lua.LGFunction {
		return func(L *lua.LState) int {
			n := L.GetTop()
			args := make([]string, n)
			for i := 1; i <= n; i++ {
				switch v := L.Get(i).(type) {
				case lua.LString:
					args[i-1] = string(v)
				case lua.LNumber:
					args[i-1] = v.String()
				default:
					L.RaiseError("Lua redis lib command arguments must be strings or integers")
					return 0
				}
			}
			reply := call(args...)
			if raise && reply.IsError() {
				L.Error(errorTable(L, reply.String()), 1)
				return 0
			}
			L.Push(toLua(L, reply))
			return 1
		}
	}
	lib := L.NewTable()
	L.SetFuncs(lib, map[string]lua.LGFunction{
		"call":  invoke(true),
		"pcall": invoke(false),
		"error_reply": func(L *lua.LState) int {
			L.Push(errorTable(L, L.CheckString(1)))
			return 1
		},
		"status_reply": func(L *lua.LState) int {
			t := L.NewTable()
			t.RawSetString("ok", lua.LString(L.CheckString(1)))
			L.Push(t)
			return 1
		},
	})
	L.SetGlobal("redis", lib)

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 1, nil); err != nil {
		if apiErr, ok := err.(*lua.ApiError); ok {
			if t, ok := apiErr.Object.(*lua.LTable); ok {
				if msg, ok := t.RawGetString("err").(lua.LString); ok {
					return redis.NewErrorReply(string(msg))
				}
			}
		}
		return redis.NewErrorReplyf("ERR Error running script: %v", err)
	}
	return fromLua(L.Get(-1))
}

func stringTable(L *lua.LState, items []string) *lua.LTable {
	t := L.CreateTable(len(items), 0)
	for i, item := range items {
		t.RawSetInt(i+1, lua.LString(item))
	}
	return t
}

func errorTable(L *lua.LState, msg string) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("err", lua.LString(msg))
	return t
}

// toLua: integers become numbers, nil bulks and arrays become false, status and error
// replies become tables with an ok or err field.
func toLua(L *lua.LState, r *redis.Reply) lua.LValue {
	switch r.Kind {
	case redis.KindInteger:
		return lua.LNumber(r.Int)
	case redis.KindStatus:
		t := L.NewTable()
		t.RawSetString("ok", lua.LString(r.Str))
		return t
	case redis.KindError:
		return errorTable(L, string(r.Str))
	case redis.KindBulk:
		if r.IsNil() {
			return lua.LFalse
		}
		return lua.LString(r.Str)
	case redis.KindArray:
		if r.IsNil() {
			return lua.LFalse
		}
		t := L.CreateTable(len(r.Array), 0)
		for i, item := range r.Array {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	}
	return lua.LNil
}

// fromLua: numbers are truncated to integers, arrays stop at the first nil, true is 1 and
// false or nil is a nil bulk.
func fromLua(v lua.LValue) *redis.Reply {
	switch v := v.(type) {
	case lua.LNumber:
		return redis.NewIntegerReply(int64(v))
	case lua.LString:
		return redis.NewBulkStringReply(string(v))
	case lua.LBool:
		if v {
			return redis.NewIntegerReply(1)
		}
		return redis.NilBulkReply
	case *lua.LTable:
		if msg, ok := v.RawGetString("err").(lua.LString); ok {
			return redis.NewErrorReply(string(msg))
		}
		if status, ok := v.RawGetString("ok").(lua.LString); ok {
			return redis.NewStatusReply(string(status))
		}
		var items []*redis.Reply
		for i := 1; ; i++ {
			item := v.RawGetInt(i)
			if item == lua.LNil {
				break
			}
			items = append(items, fromLua(item))
		}
		if items == nil {
			items = []*redis.Reply{}
		}
		return redis.NewArrayReply(items)
	}
	return redis.NilBulkReply
}
