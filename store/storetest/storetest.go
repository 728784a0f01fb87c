// Package storetest runs store.Redis against an in-process redis for tests.
package storetest

import (
	"testing"

	"chatroom-e2ee/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// New returns a store backed by a fresh miniredis that is shut down with the
// test.
func New(t testing.TB) (*store.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.NewRedis(client, "test:"), mr
}
