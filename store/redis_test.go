package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"chatroom-e2ee/store"
	"chatroom-e2ee/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name      string           `json:"name"`
	Count     int              `json:"count"`
	CreatedAt store.ServerTime `json:"createdAt"`
}

func TestGetSetRemove(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	mr.SetTime(time.UnixMilli(1_700_000_000_000))

	var out record
	found, err := s.Get(ctx, "things/a", &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "things/a", record{Name: "a", Count: 1}))
	found, err = s.Get(ctx, "things/a", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a", out.Name)
	assert.Equal(t, int64(1_700_000_000_000), out.CreatedAt.Int64())

	require.NoError(t, s.Remove(ctx, "things/a"))
	found, err = s.Get(ctx, "things/a", &out)
	require.NoError(t, err)
	assert.False(t, found)

	children, err := s.Children(ctx, "things")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestInvalidPath(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)

	for _, p := range []string{"", "/a", "a/", "a//b"} {
		_, err := s.Get(ctx, p, nil)
		assert.ErrorIs(t, err, store.ErrInvalidPath, p)
	}
}

func TestSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)

	const writers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner []string
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i))
			ok, err := s.SetIfAbsent(ctx, "keys/k", name)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winner = append(winner, name)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winner, 1)
	var stored string
	found, err := s.Get(ctx, "keys/k", &stored)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, winner[0], stored)
}

func TestUpdateMerges(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)

	require.NoError(t, s.Set(ctx, "state/a", map[string]any{"chain": "keep", "counter": 1}))
	require.NoError(t, s.Update(ctx, "state/a", map[string]any{
		"counter":     2,
		"lastUpdated": store.ServerTime(0),
		"nested/x":    true,
	}))

	var out map[string]any
	_, err := s.Get(ctx, "state/a", &out)
	require.NoError(t, err)
	assert.Equal(t, "keep", out["chain"])
	assert.Equal(t, float64(2), out["counter"])
	assert.NotZero(t, out["lastUpdated"])
	assert.Equal(t, map[string]any{"x": true}, out["nested"])

	require.NoError(t, s.Update(ctx, "state/a", map[string]any{"nested/x": nil}))
	_, err = s.Get(ctx, "state/a", &out)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out["nested"])

	require.NoError(t, s.Set(ctx, "state/scalar", 5))
	assert.ErrorIs(t, s.Update(ctx, "state/scalar", map[string]any{"a": 1}), store.ErrNotObject)
}

func TestUpdateConcurrent(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			field := string(rune('a' + i))
			assert.NoError(t, s.Update(ctx, "merge/target", map[string]any{field: i}))
		}(i)
	}
	wg.Wait()

	var out map[string]int
	_, err := s.Get(ctx, "merge/target", &out)
	require.NoError(t, err)
	assert.Len(t, out, 10)
}

func TestPushAndChildren(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Push(ctx, "list", record{Name: "item", Count: i})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.True(t, ids[0] < ids[1] && ids[1] < ids[2], "push ids must be time ordered")

	children, err := s.Children(ctx, "list")
	require.NoError(t, err)
	require.Len(t, children, 3)
	for i, id := range ids {
		var r record
		require.NoError(t, json.Unmarshal(children[id], &r))
		assert.Equal(t, i, r.Count)
	}
}

func TestIncrement(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)

	var wg sync.WaitGroup
	seen := make(chan int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Increment(ctx, "counter/u1", 1)
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[int64]bool{}
	for n := range seen {
		unique[n] = true
	}
	assert.Len(t, unique, 20)

	var n int64
	_, err := s.Get(ctx, "counter/u1", &n)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}

func TestSubscribe(t *testing.T) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	s, _ := storetest.New(t)

	events, cancel, err := s.Subscribe(ctx, "rooms/r1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Set(ctx, "rooms/r10/x", "other room"))
	require.NoError(t, s.Set(ctx, "rooms/r1/messages/m1", "hello"))

	select {
	case ev := <-events:
		assert.Equal(t, store.Event{Path: "rooms/r1/messages/m1", Op: store.OpSet}, ev)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestSubscribeGlobCharacters(t *testing.T) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	s, _ := storetest.New(t)

	for _, room := range []string{"rooms/r[1]", "rooms/r*", "rooms/r?x", `rooms/r\1`} {
		t.Run(room, func(t *testing.T) {
			events, cancel, err := s.Subscribe(ctx, room)
			require.NoError(t, err)
			defer cancel()

			require.NoError(t, s.Set(ctx, room+"/messages/m1", "hello"))

			select {
			case ev := <-events:
				assert.Equal(t, store.Event{Path: room + "/messages/m1", Op: store.OpSet}, ev)
			case <-ctx.Done():
				t.Fatal("no event received")
			}
		})
	}
}

func TestServerTimeJSON(t *testing.T) {
	data, err := json.Marshal(record{Name: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"createdAt":{".sv":"timestamp"}`)

	var r record
	require.NoError(t, json.Unmarshal([]byte(`{"createdAt":42}`), &r))
	assert.Equal(t, store.ServerTime(42), r.CreatedAt)
}
