package queue

import "github.com/redis/go-redis/v9"

// KEYS: ready, inflight, leases, jobs
// ARGV: now, leaseUntil, token, limit
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
local out = {}
for i, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local data = redis.call('HGET', KEYS[4], id)
	if data then
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		redis.call('HSET', KEYS[3], id, ARGV[3])
		table.insert(out, id)
		table.insert(out, data)
	end
end
return out
`)

// KEYS: inflight, leases, jobs
// ARGV: id, token
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// KEYS: leases, jobs
// ARGV: id, token, job
var markScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// KEYS: inflight, leases, jobs, ready
// ARGV: id, token, job, runAt
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

// KEYS: inflight, leases, jobs, dead
// ARGV: id, token, job, deadLimit
var buryScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('LPUSH', KEYS[4], ARGV[3])
redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[4]) - 1)
return 1
`)

// KEYS: inflight, leases, ready
// ARGV: now
var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for i, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HDEL', KEYS[2], id)
	redis.call('ZADD', KEYS[3], ARGV[1], id)
end
return #ids
`)
