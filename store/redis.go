package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	nodeKey       = "%snode:%s"
	indexKey      = "%sidx:%s"
	changeChannel = "%schanges:%s"

	maxUpdateRetries = 16
	eventBuffer      = 64
)

var (
	ErrConflict = errors.New("too many concurrent writers")
)

// Redis keeps every path as a JSON string key and tracks the children of
// each parent path in a set, so Children does not need SCAN.
type Redis struct {
	client redis.UniversalClient
	prefix string

	clockMu  sync.Mutex
	lastTime int64
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) node(path string) string  { return fmt.Sprintf(nodeKey, r.prefix, path) }
func (r *Redis) index(path string) string { return fmt.Sprintf(indexKey, r.prefix, path) }
func (r *Redis) channel(path string) string {
	return fmt.Sprintf(changeChannel, r.prefix, path)
}

// globEscaper quotes the characters PSUBSCRIBE treats as wildcards.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// now returns the redis server clock in milliseconds, never going backwards
// within this process.
func (r *Redis) now(ctx context.Context) (int64, error) {
	t, err := r.client.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read server time: %w", err)
	}
	ms := t.UnixMilli()

	r.clockMu.Lock()
	defer r.clockMu.Unlock()
	if ms <= r.lastTime {
		ms = r.lastTime + 1
	}
	r.lastTime = ms
	return ms, nil
}

func (r *Redis) encode(ctx context.Context, value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if !hasPlaceholder(data) {
		return data, nil
	}
	now, err := r.now(ctx)
	if err != nil {
		return nil, err
	}
	return resolvePlaceholders(data, now)
}

func (r *Redis) publish(ctx context.Context, pipe redis.Pipeliner, path string, op Op) {
	payload, _ := json.Marshal(Event{Path: path, Op: op})
	pipe.Publish(ctx, r.channel(path), payload)
}

func (r *Redis) link(ctx context.Context, pipe redis.Pipeliner, path string) {
	parent, child := splitPath(path)
	if parent != "" {
		pipe.SAdd(ctx, r.index(parent), child)
	}
}

func (r *Redis) Get(ctx context.Context, path string, out any) (bool, error) {
	if err := validPath(path); err != nil {
		return false, err
	}
	data, err := r.client.Get(ctx, r.node(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", path, err)
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return true, nil
}

func (r *Redis) Set(ctx context.Context, path string, value any) error {
	if err := validPath(path); err != nil {
		return err
	}
	data, err := r.encode(ctx, value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.node(path), data, 0)
		r.link(ctx, pipe, path)
		r.publish(ctx, pipe, path, OpSet)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

func (r *Redis) SetIfAbsent(ctx context.Context, path string, value any) (bool, error) {
	if err := validPath(path); err != nil {
		return false, err
	}
	data, err := r.encode(ctx, value)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", path, err)
	}
	ok, err := r.client.SetNX(ctx, r.node(path), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if !ok {
		return false, nil
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		r.link(ctx, pipe, path)
		r.publish(ctx, pipe, path, OpSet)
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("failed to index %s: %w", path, err)
	}
	return true, nil
}

// Update applies fields with WATCH/MULTI so concurrent merges on the same
// path never drop each other's fields. Field names may be slash separated to
// reach into nested objects; a nil value deletes the field.
func (r *Redis) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := validPath(path); err != nil {
		return err
	}
	normalized := make(map[string]any, len(fields))
	for field, value := range fields {
		if value == nil {
			normalized[field] = nil
			continue
		}
		data, err := r.encode(ctx, value)
		if err != nil {
			return fmt.Errorf("failed to encode %s/%s: %w", path, field, err)
		}
		if normalized[field], err = decodeGeneric(data); err != nil {
			return err
		}
	}

	key := r.node(path)
	txf := func(tx *redis.Tx) error {
		obj := map[string]any{}
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(current) > 0 {
			generic, err := decodeGeneric(current)
			if err != nil {
				return err
			}
			var ok bool
			if obj, ok = generic.(map[string]any); !ok {
				return fmt.Errorf("%w: %s", ErrNotObject, path)
			}
		}
		for field, value := range normalized {
			if err := mergeField(obj, field, value); err != nil {
				return err
			}
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			r.link(ctx, pipe, path)
			r.publish(ctx, pipe, path, OpUpdate)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("failed to update %s: %w", path, ErrConflict)
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	if err := validPath(path); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.node(path))
		if parent, child := splitPath(path); parent != "" {
			pipe.SRem(ctx, r.index(parent), child)
		}
		r.publish(ctx, pipe, path, OpRemove)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func (r *Redis) Push(ctx context.Context, prefix string, value any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate child key: %w", err)
	}
	if err := r.Set(ctx, prefix+"/"+id.String(), value); err != nil {
		return "", err
	}
	return id.String(), nil
}

func (r *Redis) Children(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	if err := validPath(prefix); err != nil {
		return nil, err
	}
	names, err := r.client.SMembers(ctx, r.index(prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	children := make(map[string]json.RawMessage, len(names))
	if len(names) == 0 {
		return children, nil
	}

	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = r.node(prefix + "/" + name)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read children of %s: %w", prefix, err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// index entry without a value: a child whose subtree has no leaf here
			continue
		}
		children[names[i]] = json.RawMessage(s)
	}
	return children, nil
}

func (r *Redis) Increment(ctx context.Context, path string, delta int64) (int64, error) {
	if err := validPath(path); err != nil {
		return 0, err
	}
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, r.node(path), delta)
		r.link(ctx, pipe, path)
		r.publish(ctx, pipe, path, OpUpdate)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", path, err)
	}
	return incr.Val(), nil
}

func (r *Redis) Subscribe(ctx context.Context, prefix string) (<-chan Event, func(), error) {
	if err := validPath(prefix); err != nil {
		return nil, nil, err
	}
	ps := r.client.PSubscribe(ctx, globEscaper.Replace(r.channel(prefix))+"*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", prefix, err)
	}

	var once sync.Once
	cancel := func() { once.Do(func() { ps.Close() }) }

	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		defer cancel()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if ev.Path != prefix && !strings.HasPrefix(ev.Path, prefix+"/") {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, cancel, nil
}
