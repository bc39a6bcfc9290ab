package jobqueue

import "github.com/redis/go-redis/v9"

// KEYS[1] job hash, KEYS[2] wait list.
// ARGV: id, name, data, removeOnComplete, removeOnFail, createdAt.
var addJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'name', ARGV[2], 'data', ARGV[3],
  'removeOnComplete', ARGV[4], 'removeOnFail', ARGV[5],
  'state', 'waiting', 'createdAt', ARGV[6])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// KEYS[1] lock key. ARGV: token, ttl ms.
var extendLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// KEYS[1] active list, KEYS[2] job hash, KEYS[3] lock key.
// ARGV: id, finishedAt.
var completeJobScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('DEL', KEYS[3])
if redis.call('HGET', KEYS[2], 'removeOnComplete') == '1' then
  redis.call('DEL', KEYS[2])
else
  redis.call('HSET', KEYS[2], 'state', 'completed', 'finishedAt', ARGV[2])
end
return 1
`)

// KEYS[1] active list, KEYS[2] job hash, KEYS[3] lock key, KEYS[4] failed list.
// ARGV: id, reason, finishedAt.
var failJobScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('DEL', KEYS[3])
if redis.call('HGET', KEYS[2], 'removeOnFail') == '1' then
  redis.call('DEL', KEYS[2])
else
  redis.call('HSET', KEYS[2], 'state', 'failed', 'failedReason', ARGV[2], 'finishedAt', ARGV[3])
  redis.call('LPUSH', KEYS[4], ARGV[1])
end
return 1
`)

// KEYS[1] active list, KEYS[2] job hash, KEYS[3] lock key, KEYS[4] delayed zset.
// ARGV: id, dueAt ms, attempt, reason.
var retryJobScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('DEL', KEYS[3])
if redis.call('EXISTS', KEYS[2]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'state', 'delayed', 'attempt', ARGV[3], 'failedReason', ARGV[4])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1] delayed zset, KEYS[2] wait list. ARGV: now ms, limit, key prefix.
var promoteDelayedScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', ARGV[3] .. 'job:' .. id, 'state', 'waiting')
  redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// Two-pass stalled check. Jobs that were candidates on the previous pass and
// still hold no lock go back to the head of the wait list. Every unlocked
// active job then becomes a candidate for the next pass.
// KEYS[1] stalled set, KEYS[2] active list, KEYS[3] wait list. ARGV: key prefix.
var checkStalledScript = redis.NewScript(`
local recovered = 0
local candidates = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(candidates) do
  if redis.call('EXISTS', ARGV[1] .. 'lock:' .. id) == 0 then
    if redis.call('LREM', KEYS[2], 1, id) > 0 then
      redis.call('HSET', ARGV[1] .. 'job:' .. id, 'state', 'waiting')
      redis.call('RPUSH', KEYS[3], id)
      recovered = recovered + 1
    end
  end
end
redis.call('DEL', KEYS[1])
local active = redis.call('LRANGE', KEYS[2], 0, -1)
for _, id in ipairs(active) do
  if redis.call('EXISTS', ARGV[1] .. 'lock:' .. id) == 0 then
    redis.call('SADD', KEYS[1], id)
  end
end
return recovered
`)
