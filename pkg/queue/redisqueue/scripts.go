package redisqueue

import redis "github.com/redis/go-redis/v9"

// KEYS: job hash, delayed, wait, completed, failed
// ARGV: id, payload, state, run_at ms, priority
var addScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'delayed' or state == 'active' then
  return 0
end

redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'state', ARGV[3], 'attempts', 0, 'run_at', ARGV[4], 'priority', ARGV[5])

if ARGV[3] == 'delayed' then
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
else
  redis.call('ZADD', KEYS[3], tonumber(ARGV[5]) * 1e13 + tonumber(ARGV[4]), ARGV[1])
end

return 1
`)

// KEYS: delayed, wait, active, paused
// ARGV: key prefix, now ms
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  return false
end

local now = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
for _, id in ipairs(due) do
  local jobKey = ARGV[1] .. 'job:' .. id
  local priority = tonumber(redis.call('HGET', jobKey, 'priority') or '100')
  local runAt = tonumber(redis.call('HGET', jobKey, 'run_at') or now)
  redis.call('ZADD', KEYS[2], priority * 1e13 + runAt, id)
  redis.call('HSET', jobKey, 'state', 'waiting')
end
if #due > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
end

local popped = redis.call('ZPOPMIN', KEYS[2])
if #popped == 0 then
  return false
end

local id = popped[1]
local jobKey = ARGV[1] .. 'job:' .. id
redis.call('ZADD', KEYS[3], now, id)
redis.call('HSET', jobKey, 'state', 'active', 'processed_at', now)
redis.call('HINCRBY', jobKey, 'attempts', 1)

return id
`)

// KEYS: job hash, active, target set
// ARGV: id, state, score, extra field/value pairs...
var moveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end

redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[1], 'state', ARGV[2], unpack(ARGV, 4))

return 1
`)

// KEYS: repeat hash
// ARGV: repeat key, claimed job id, next schedule JSON
var advanceScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if not current then
  return 0
end

if cjson.decode(current)['next_job_id'] ~= ARGV[2] then
  return 0
end

redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])

return 1
`)

// KEYS: job hash, delayed, wait
// ARGV: id
var dropPendingScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'waiting' and state ~= 'delayed' then
  return 0
end

redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('DEL', KEYS[1])

return 1
`)
