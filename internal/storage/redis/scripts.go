package redis

const (
	// pruneUploadedScript removes uploaded sessions created at or before a cutoff
	pruneUploadedScript = `
local index_key = KEYS[1]       -- tracker:sessions
local key_prefix = ARGV[1]      -- tracker:session:
local cutoff = ARGV[2]

local ids = redis.call('ZRANGEBYSCORE', index_key, '-inf', '(' .. cutoff)
local deleted = 0

for _, id in ipairs(ids) do
  local key = key_prefix .. id
  if redis.call('HGET', key, 'status') == 'UPLOADED' then
    redis.call('DEL', key)
    redis.call('ZREM', index_key, id)
    deleted = deleted + 1
  end
end

return deleted
`
)
