// Package testutil provides Redis fixtures for tests: in-process miniredis
// servers for unit tests and testcontainers-backed Redis for integration
// tests.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// NewMiniRedis starts an in-process Redis and returns it with a connected
// client. Both are closed at test cleanup.
func NewMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return mr, client
}

// NewMiniRedisCluster starts n independent in-process Redis servers, one
// per quorum lock replica.
func NewMiniRedisCluster(t *testing.T, n int) ([]*miniredis.Miniredis, []redis.UniversalClient) {
	t.Helper()

	servers := make([]*miniredis.Miniredis, 0, n)
	clients := make([]redis.UniversalClient, 0, n)
	for i := 0; i < n; i++ {
		mr, c := NewMiniRedis(t)
		servers = append(servers, mr)
		clients = append(clients, c)
	}
	return servers, clients
}
