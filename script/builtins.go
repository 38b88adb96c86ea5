package script

// Names of the built-in scripts.
const (
	Utils        = "utils"
	Move2Set     = "move2set"
	CountPattern = "countpattern"
	DelPattern   = "delpattern"
	KeysPattern  = "keyspattern"
	FKJoin       = "fkjoin"
)

// helpers shared by the other scripts; variadic commands are sent in chunks to stay below
// the Lua stack limit of unpack
const utilsBody = `
local function chunked(cmd, key, items)
  local n = 0
  for i = 1, #items, 1000 do
    n = n + redis.call(cmd, key, unpack(items, i, math.min(i + 999, #items)))
  end
  return n
end

local function expire_if(key, ttl)
  local seconds = tonumber(ttl)
  if seconds and seconds > 0 and redis.call('EXISTS', key) == 1 then
    redis.call('EXPIRE', key, seconds)
  end
end
`

// KEYS: sorted index, destination set. ARGV: min, max, ttl seconds.
// Copies the members scored within [min, max] into the destination.
const move2SetBody = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[2])
redis.call('DEL', KEYS[2])
if #ids > 0 then
  chunked('SADD', KEYS[2], ids)
  expire_if(KEYS[2], ARGV[3])
end
return #ids
`

const countPatternBody = `
return #redis.call('KEYS', KEYS[1])
`

const delPatternBody = `
local keys = redis.call('KEYS', KEYS[1])
local deleted = 0
for i = 1, #keys, 1000 do
  deleted = deleted + redis.call('DEL', unpack(keys, i, math.min(i + 999, #keys)))
end
return deleted
`

const keysPatternBody = `
return redis.call('KEYS', KEYS[1])
`

// KEYS: related id set, destination set, index base. ARGV: ttl seconds.
// The destination becomes the union of the sets <base><id> for every related id.
const fkJoinBody = `
local ids = redis.call('SMEMBERS', KEYS[1])
redis.call('DEL', KEYS[2])
for i = 1, #ids, 1000 do
  local sources = {}
  for j = i, math.min(i + 999, #ids) do
    sources[#sources + 1] = KEYS[3] .. ids[j]
  end
  redis.call('SUNIONSTORE', KEYS[2], KEYS[2], unpack(sources))
end
expire_if(KEYS[2], ARGV[1])
return redis.call('SCARD', KEYS[2])
`

// RegisterBuiltins adds the scripts the query engine and the namespace proxy rely on.
// Every key they touch is passed in KEYS or derived from a KEYS entry, so a namespace
// prefix applied to KEYS covers them.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		name     string
		body     string
		requires []string
	}{
		{Utils, utilsBody, nil},
		{Move2Set, move2SetBody, []string{Utils}},
		{CountPattern, countPatternBody, nil},
		{DelPattern, delPatternBody, nil},
		{KeysPattern, keysPatternBody, nil},
		{FKJoin, fkJoinBody, []string{Utils}},
	}
	for _, b := range builtins {
		if _, err := r.Register(b.name, b.body, b.requires...); err != nil {
			return err
		}
	}
	return nil
}
