// Package cache provides the TTL key/value layer used to avoid recomputing
// pattern lists and heuristic predictions. Callers treat every error as a miss.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Key is a typed cache key. Namespace and Entity stay readable; Qualifier is
// hashed so arbitrary user input never leaks into key syntax.
type Key struct {
	Namespace string
	Entity    string
	Qualifier string
}

const (
	NamespacePatterns  = "patterns"
	NamespaceHeuristic = "heuristic"
)

func (k Key) String() string {
	var b strings.Builder
	b.WriteString("qb:")
	b.WriteString(k.Namespace)
	b.WriteByte(':')
	b.WriteString(k.Entity)
	b.WriteByte(':')
	fmt.Fprintf(&b, "%016x", xxhash.Sum64String(k.Qualifier))
	return b.String()
}

// PatternsKey addresses the cached pattern list of a department.
func PatternsKey(department string) Key {
	return Key{Namespace: NamespacePatterns, Entity: department, Qualifier: "all"}
}

// HeuristicKey addresses a cached prediction for (user, input).
func HeuristicKey(userID, input string) Key {
	return Key{Namespace: NamespaceHeuristic, Entity: userID, Qualifier: input}
}

type Cache interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Put(ctx context.Context, key Key, value []byte, ttl time.Duration) error
}

// Deleter is implemented by caches that support explicit invalidation.
type Deleter interface {
	Delete(ctx context.Context, key Key) error
}

// GetJSON decodes a cached JSON value. A decode failure is reported as a miss.
func GetJSON[T any](ctx context.Context, c Cache, key Key) (T, bool, error) {
	var out T
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, nil
	}
	return out, true, nil
}

func PutJSON(ctx context.Context, c Cache, key Key, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.Put(ctx, key, raw, ttl)
}
