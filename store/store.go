// Package store is the hierarchical keyed-path backing store shared by every
// client and the relay server. Paths are slash separated, e.g.
// "keyBundles/u1/devices/d1". Values are JSON documents.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

var (
	ErrInvalidPath = errors.New("invalid store path")
	ErrNotObject   = errors.New("stored value is not an object")
)

// Op describes the kind of write a change notification reports.
type Op string

const (
	OpSet    Op = "set"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// Event is a change notification for one path.
type Event struct {
	Path string `json:"path"`
	Op   Op     `json:"op"`
}

type Store interface {
	// Get decodes the value at path into out. It reports false when the
	// path holds nothing.
	Get(ctx context.Context, path string, out any) (bool, error)
	Set(ctx context.Context, path string, value any) error
	// SetIfAbsent writes value only if path is empty and reports whether it did.
	SetIfAbsent(ctx context.Context, path string, value any) (bool, error)
	// Update merges fields into the object at path, creating it if needed.
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	// Push stores value under a new time-ordered child key of prefix.
	Push(ctx context.Context, prefix string, value any) (string, error)
	// Children returns the direct children of prefix keyed by child name.
	Children(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
	// Increment atomically adds delta to the integer at path.
	Increment(ctx context.Context, path string, delta int64) (int64, error)
	// Subscribe streams events for every path under prefix until the
	// returned cancel func is called or ctx is done.
	Subscribe(ctx context.Context, prefix string) (<-chan Event, func(), error)
}

// ServerTime is a millisecond timestamp. The zero value is a placeholder the
// store replaces with its own clock when the value is written.
type ServerTime int64

var serverTimePlaceholder = []byte(`{".sv":"timestamp"}`)

func (t ServerTime) MarshalJSON() ([]byte, error) {
	if t == 0 {
		return serverTimePlaceholder, nil
	}
	return strconv.AppendInt(nil, int64(t), 10), nil
}

func (t *ServerTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == '{' || string(b) == "null" {
		*t = 0
		return nil
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*t = ServerTime(n)
	return nil
}

// Int64 returns the timestamp in milliseconds.
func (t ServerTime) Int64() int64 { return int64(t) }

func validPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return ErrInvalidPath
	}
	return nil
}

func splitPath(path string) (parent, child string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func hasPlaceholder(data []byte) bool {
	return bytes.Contains(data, []byte(`".sv"`))
}

// resolvePlaceholders substitutes every timestamp placeholder in data with now.
func resolvePlaceholders(data []byte, now int64) ([]byte, error) {
	generic, err := decodeGeneric(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolve(generic, now))
}

func decodeGeneric(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func resolve(v any, now int64) any {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 && val[".sv"] == "timestamp" {
			return now
		}
		for k, child := range val {
			val[k] = resolve(child, now)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = resolve(child, now)
		}
		return val
	default:
		return v
	}
}

// mergeField sets value at the slash separated field path inside obj. A nil
// value deletes the field.
func mergeField(obj map[string]any, field string, value any) error {
	parts := strings.Split(field, "/")
	for _, p := range parts {
		if p == "" {
			return ErrInvalidPath
		}
	}
	node := obj
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			if value == nil {
				return nil
			}
			next = map[string]any{}
			node[p] = next
		}
		node = next
	}
	last := parts[len(parts)-1]
	if value == nil {
		delete(node, last)
		return nil
	}
	node[last] = value
	return nil
}
