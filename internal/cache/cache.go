// Package cache provides the TTL'd read-through cache used for
// embeddings and query results, and the invalidator that removes stale
// entries after index writes.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store is the cache API the engine depends on: get/set/delete with a
// store-level TTL. The production deployment points this at a shared
// cache service; tests and single-node deployments use Memory.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Memory is an in-process Store backed by an expiring LRU. Entries
// expire after the TTL given at construction; the LRU bound keeps a
// misbehaving caller from growing memory without limit.
type Memory struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemory creates a memory cache holding at most size entries, each
// expiring ttl after it was set.
func NewMemory(size int, ttl time.Duration) *Memory {
	return &Memory{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.lru.Get(key)
	return v, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.lru.Add(key, value)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}
