package taskqueue

import "github.com/redis/go-redis/v9"

// Key order shared by every script.
//
//	KEYS[1] ready list   KEYS[2] delayed zset  KEYS[3] active zset
//	KEYS[4] state hash   KEYS[5] owner hash    KEYS[6] task hash
//	KEYS[7] dead list

// ARGV: id, task json, not-before ms, now ms.
var enqueueScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[4], ARGV[1])
if state == "ready" or state == "delayed" or state == "active" then
	return 0
end
if state == "dead" then
	redis.call("LREM", KEYS[7], 0, ARGV[1])
end
redis.call("HSET", KEYS[6], ARGV[1], ARGV[2])
if tonumber(ARGV[3]) > tonumber(ARGV[4]) then
	redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
	redis.call("HSET", KEYS[4], ARGV[1], "delayed")
else
	redis.call("LPUSH", KEYS[1], ARGV[1])
	redis.call("HSET", KEYS[4], ARGV[1], "ready")
end
return 1
`)

// ARGV: now ms, lease deadline ms, owner. Expired leases and due delayed
// tasks are made ready before popping.
var dequeueScript = redis.NewScript(`
local stalled = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1])
for _, id in ipairs(stalled) do
	redis.call("ZREM", KEYS[3], id)
	redis.call("HDEL", KEYS[5], id)
	redis.call("RPUSH", KEYS[1], id)
	redis.call("HSET", KEYS[4], id, "ready")
end
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("LPUSH", KEYS[1], id)
	redis.call("HSET", KEYS[4], id, "ready")
end
local id = redis.call("RPOP", KEYS[1])
if not id then
	return false
end
redis.call("ZADD", KEYS[3], ARGV[2], id)
redis.call("HSET", KEYS[4], id, "active")
redis.call("HSET", KEYS[5], id, ARGV[3])
return redis.call("HGET", KEYS[6], id)
`)

// ARGV: id, owner.
var ackScript = redis.NewScript(`
if redis.call("HGET", KEYS[5], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], ARGV[1])
redis.call("HDEL", KEYS[5], ARGV[1])
redis.call("HDEL", KEYS[6], ARGV[1])
return 1
`)

// ARGV: id, owner, lease deadline ms.
var renewScript = redis.NewScript(`
if redis.call("HGET", KEYS[5], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// ARGV: id, owner, task json, not-before ms.
var nackScript = redis.NewScript(`
if redis.call("HGET", KEYS[5], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[5], ARGV[1])
redis.call("HSET", KEYS[6], ARGV[1], ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
redis.call("HSET", KEYS[4], ARGV[1], "delayed")
return 1
`)

// ARGV: id, owner, task json.
var deadLetterScript = redis.NewScript(`
if redis.call("HGET", KEYS[5], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[5], ARGV[1])
redis.call("HSET", KEYS[6], ARGV[1], ARGV[3])
redis.call("LPUSH", KEYS[7], ARGV[1])
redis.call("HSET", KEYS[4], ARGV[1], "dead")
return 1
`)

// ARGV: now ms. Expired leases go to the head of the ready list.
var requeueStalledScript = redis.NewScript(`
local stalled = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1])
for _, id in ipairs(stalled) do
	redis.call("ZREM", KEYS[3], id)
	redis.call("HDEL", KEYS[5], id)
	redis.call("RPUSH", KEYS[1], id)
	redis.call("HSET", KEYS[4], id, "ready")
end
return #stalled
`)
