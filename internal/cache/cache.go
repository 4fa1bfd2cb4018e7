// Package cache provides internal cache management for embeddings and
// full responses. This package is internal and should not be imported
// by external projects.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Store 缓存后端接口。实现必须并发安全，且读路径不被写阻塞。
type Store interface {
	// Get 获取缓存值，未命中或过期返回 false。
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set 写入缓存值。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	// Close 释放资源。
	Close() error
}

// HashKey 以 sha256 生成内容哈希缓存键（取前 16 字节）。
func HashKey(namespace string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return namespace + ":" + hex.EncodeToString(h[:16])
}

// =============================================================================
// 进程内 LRU + TTL
// =============================================================================

type memoryEntry struct {
	value      []byte
	expiresAt  time.Time
	accessedAt atomic.Int64 // unix nano，读路径原子更新，不取写锁
}

// MemoryStore 有界 LRU + TTL 进程内缓存。
// 读多写少：Get 走读锁，近期访问时间用原子写，淘汰在 Set 时进行。
type MemoryStore struct {
	maxEntries int

	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// NewMemoryStore 创建进程内缓存。
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		entries:    make(map[string]*memoryEntry),
	}
}

// Get 实现 Store.Get。
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	e.accessedAt.Store(time.Now().UnixNano())
	return e.value, true
}

// Set 实现 Store.Set。超出容量时淘汰最久未访问的条目。
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	e := &memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	e.accessedAt.Store(time.Now().UnixNano())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = e
	if len(s.entries) <= s.maxEntries {
		return
	}

	// 先清理过期项，仍超限则按访问时间淘汰
	now := time.Now()
	for k, v := range s.entries {
		if now.After(v.expiresAt) {
			delete(s.entries, k)
		}
	}
	for len(s.entries) > s.maxEntries {
		var oldestKey string
		oldest := int64(1<<63 - 1)
		for k, v := range s.entries {
			if at := v.accessedAt.Load(); at < oldest {
				oldest = at
				oldestKey = k
			}
		}
		delete(s.entries, oldestKey)
	}
}

// Len 返回当前条目数（测试用）。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close 实现 Store.Close。
func (s *MemoryStore) Close() error { return nil }
