package redisq

import "github.com/redis/go-redis/v9"

// XADD with optional correlation/reply fields. The stream is never trimmed:
// acknowledged entries are deleted by scriptAck.
const scriptEnqueue = `
local stream = KEYS[1]
local body, corr_id, reply_to = ARGV[1], ARGV[2], ARGV[3]

local args = {stream, '*'}
table.insert(args, 'body')
table.insert(args, body)

if corr_id ~= '' then
  table.insert(args, 'correlation_id')
  table.insert(args, corr_id)
end

if reply_to ~= '' then
  table.insert(args, 'reply_to')
  table.insert(args, reply_to)
end

return redis.call('XADD', unpack(args))
`

// Acknowledge and drop the entry so the stream only holds unfinished work.
const scriptAck = `
local n = redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
if n == 1 then
  redis.call('XDEL', KEYS[1], ARGV[2])
end
return n
`

var (
	enqueueLua = redis.NewScript(scriptEnqueue)
	ackLua     = redis.NewScript(scriptAck)
)
