package lock

import "github.com/redis/go-redis/v9"

var (
	// Extends the key only while it still holds our token.
	// Returns 1 if extended, 0 otherwise.
	extendScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	// Deletes the key only while it still holds our token.
	// Returns 1 if released, 0 otherwise.
	releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)
)

// scriptOK interprets the integer reply of the scripts above.
func scriptOK(res any) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case int:
		return v == 1
	case string:
		return v == "1"
	default:
		return false
	}
}
