package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type memoryRedis struct {
	values  map[string]string
	getErr  error
	setErr  error
	lastTTL time.Duration
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{values: map[string]string{}}
}

func (m *memoryRedis) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if m.setErr != nil {
		return false, m.setErr
	}
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	m.lastTTL = ttl
	return true, nil
}

func (m *memoryRedis) Get(_ context.Context, key string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	value, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func (m *memoryRedis) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

func (m *memoryRedis) LockKey(name string) string { return "hb:lock:" + name }

func TestRedisLockIsExclusive(t *testing.T) {
	store := newMemoryRedis()
	ctx := context.Background()
	first, err := NewRedisLock(store, "hb:lock:dedupe", 0)
	if err != nil {
		t.Fatalf("NewRedisLock: %v", err)
	}
	second, _ := NewRedisLock(store, "hb:lock:dedupe", 0)

	if ok, err := first.Acquire(ctx); err != nil || !ok {
		t.Fatalf("expected first acquire, got %v %v", ok, err)
	}
	if store.lastTTL != defaultLockTTL {
		t.Fatalf("expected default ttl, got %v", store.lastTTL)
	}
	if ok, _ := second.Acquire(ctx); ok {
		t.Fatal("expected second acquire to fail while held")
	}
	// releasing a lock we never held leaves the owner's key alone
	if err := second.Release(ctx); err != nil {
		t.Fatalf("release unheld: %v", err)
	}
	if _, ok := store.values["hb:lock:dedupe"]; !ok {
		t.Fatal("foreign release removed the key")
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := second.Acquire(ctx); !ok {
		t.Fatal("expected acquire after release")
	}
}

func TestRedisLockReleaseSkipsForeignOwner(t *testing.T) {
	store := newMemoryRedis()
	ctx := context.Background()
	lock, _ := NewRedisLock(store, "k", time.Minute)
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("expected acquire")
	}
	// TTL expired and another worker took over.
	store.values["k"] = "someone-else"
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.values["k"] != "someone-else" {
		t.Fatal("released a lock owned by another worker")
	}
}

func TestRedisLockErrors(t *testing.T) {
	if _, err := NewRedisLock(nil, "k", 0); err == nil {
		t.Fatal("expected nil client error")
	}
	if _, err := NewRedisLock(newMemoryRedis(), "", 0); err == nil {
		t.Fatal("expected empty key error")
	}
	store := newMemoryRedis()
	store.setErr = errors.New("down")
	lock, _ := NewRedisLock(store, "k", 0)
	if _, err := lock.Acquire(context.Background()); err == nil {
		t.Fatal("expected setnx error")
	}
}

func TestRedisLocksKeysPerJob(t *testing.T) {
	store := newMemoryRedis()
	factory := RedisLocks(store, time.Minute)
	dedupe, err := factory("dedupe")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	purge, _ := factory("tombstone-purge")
	ctx := context.Background()
	if ok, _ := dedupe.Acquire(ctx); !ok {
		t.Fatal("expected dedupe lock")
	}
	if ok, _ := purge.Acquire(ctx); !ok {
		t.Fatal("jobs must not share a lock")
	}
	if _, ok := store.values["hb:lock:dedupe"]; !ok {
		t.Fatal("expected namespaced lock key")
	}
}

func TestLocalLock(t *testing.T) {
	var lock LocalLock
	ctx := context.Background()
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("expected acquire")
	}
	if ok, _ := lock.Acquire(ctx); ok {
		t.Fatal("expected second acquire to fail")
	}
	_ = lock.Release(ctx)
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("expected acquire after release")
	}
}
