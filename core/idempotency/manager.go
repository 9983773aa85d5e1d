// Package idempotency caches the result of a request by a content-derived
// key so a retried or raced invocation returns the first outcome instead of
// re-executing a side-effecting call. The in-memory manager is the
// default; a Redis-backed manager is available where results must be
// shared across processes.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	rterrors "github.com/coreflow/agentrt/core/errors"
)

// Manager generates idempotency keys and caches their results.
type Manager interface {
	GenerateKey(inputs ...any) (string, error)
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, result any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

func generateKey(inputs ...any) (string, error) {
	if len(inputs) == 0 {
		return "", rterrors.New(rterrors.CodeConfiguration, "idempotency key requires at least one input")
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", rterrors.New(rterrors.CodeConfiguration, "failed to serialize idempotency inputs").WithCause(err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// ---------------------------------------------------------------------
// In-memory manager (default)
// ---------------------------------------------------------------------

type cacheEntry struct {
	Data      json.RawMessage
	ExpiresAt time.Time
}

type memoryManager struct {
	mu     sync.RWMutex
	cache  map[string]*cacheEntry
	logger *zap.Logger
	stopCh chan struct{}
}

// NewMemoryManager creates an in-process idempotency cache with a
// background goroutine that sweeps expired entries every cleanupInterval.
// Call Close to stop the sweep.
func NewMemoryManager(logger *zap.Logger, cleanupInterval time.Duration) *MemoryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	m := &memoryManager{
		cache:  make(map[string]*cacheEntry),
		logger: logger.With(zap.String("component", "idempotency")),
		stopCh: make(chan struct{}),
	}
	wrapper := &MemoryManager{m: m}
	go m.cleanupLoop(cleanupInterval)
	return wrapper
}

// MemoryManager is the exported handle; it satisfies Manager and adds Close.
type MemoryManager struct {
	m *memoryManager
}

func (w *MemoryManager) GenerateKey(inputs ...any) (string, error)     { return w.m.GenerateKey(inputs...) }
func (w *MemoryManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return w.m.Get(ctx, key)
}
func (w *MemoryManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	return w.m.Set(ctx, key, result, ttl)
}
func (w *MemoryManager) Delete(ctx context.Context, key string) error { return w.m.Delete(ctx, key) }
func (w *MemoryManager) Exists(ctx context.Context, key string) (bool, error) {
	return w.m.Exists(ctx, key)
}

// Close stops the background cleanup loop.
func (w *MemoryManager) Close() { close(w.m.stopCh) }

func (m *memoryManager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *memoryManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	expired := 0
	for key, entry := range m.cache {
		if now.After(entry.ExpiresAt) {
			delete(m.cache, key)
			expired++
		}
	}
	if expired > 0 {
		m.logger.Debug("swept expired idempotency entries", zap.Int("expired", expired), zap.Int("remaining", len(m.cache)))
	}
}

func (m *memoryManager) GenerateKey(inputs ...any) (string, error) { return generateKey(inputs...) }

func (m *memoryManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	entry, exists := m.cache[key]
	m.mu.RUnlock()
	if !exists {
		return nil, false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		m.mu.Lock()
		delete(m.cache, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.Data, true, nil
}

func (m *memoryManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return rterrors.New(rterrors.CodeConfiguration, "failed to serialize idempotency result").WithCause(err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	m.mu.Lock()
	m.cache[key] = &cacheEntry{Data: data, ExpiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *memoryManager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryManager) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	entry, exists := m.cache[key]
	m.mu.RUnlock()
	if !exists {
		return false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		m.mu.Lock()
		delete(m.cache, key)
		m.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// ---------------------------------------------------------------------
// Redis-backed manager (optional collaborator)
// ---------------------------------------------------------------------

type redisManager struct {
	redis  *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisManager creates a Redis-backed idempotency cache, for deployments
// that need the cache to survive process restarts or be shared across
// instances. Not required by any invariant; the in-memory manager is the
// default.
func NewRedisManager(client *redis.Client, prefix string, logger *zap.Logger) Manager {
	if prefix == "" {
		prefix = "agentrt:idempotency:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisManager{redis: client, prefix: prefix, logger: logger.With(zap.String("component", "idempotency"))}
}

func (m *redisManager) GenerateKey(inputs ...any) (string, error) { return generateKey(inputs...) }

func (m *redisManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := m.redis.Get(ctx, m.prefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, rterrors.New(rterrors.CodeTransport, "idempotency cache read failed").WithCause(err)
	}
	return data, true, nil
}

func (m *redisManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return rterrors.New(rterrors.CodeConfiguration, "failed to serialize idempotency result").WithCause(err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := m.redis.Set(ctx, m.prefix+key, data, ttl).Err(); err != nil {
		return rterrors.New(rterrors.CodeTransport, "idempotency cache write failed").WithCause(err)
	}
	return nil
}

func (m *redisManager) Delete(ctx context.Context, key string) error {
	if err := m.redis.Del(ctx, m.prefix+key).Err(); err != nil {
		return rterrors.New(rterrors.CodeTransport, "idempotency cache delete failed").WithCause(err)
	}
	return nil
}

func (m *redisManager) Exists(ctx context.Context, key string) (bool, error) {
	count, err := m.redis.Exists(ctx, m.prefix+key).Result()
	if err != nil {
		return false, rterrors.New(rterrors.CodeTransport, "idempotency cache exists check failed").WithCause(err)
	}
	return count > 0, nil
}
