package governance

import "github.com/redis/go-redis/v9"

// KEYS[1] counter, ARGV[1] limit, ARGV[2] ttl seconds.
// Returns {allowed, count}.
var checkAndIncrScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
	return {0, current}
end
current = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return {1, current}
`)

// KEYS[1] counter. Never drops below zero.
var refundScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 0 then
	return 0
end
return redis.call("DECR", KEYS[1])
`)
