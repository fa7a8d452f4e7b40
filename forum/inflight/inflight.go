// Package inflight collapses concurrent identical fetches: at most one
// producer runs per key, and every caller that arrives while it runs shares
// its result. It holds no cache -- once a call settles the key is free again.
package inflight

import "golang.org/x/sync/singleflight"

type Group[T any] struct {
	sf singleflight.Group
}

// Do runs producer for key unless a call for the same key is already in
// flight, in which case it waits for that call and returns its result.
func (g *Group[T]) Do(key string, producer func() (T, error)) (T, error) {
	v, err, _ := g.sf.Do(key, func() (any, error) {
		return producer()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
