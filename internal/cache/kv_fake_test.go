package cache_test

import (
	"context"
	"sync"
	"time"

	"dracia-alerts/internal/store"
)

// fakeKV 仅用于单元测试（内存 KV）
type fakeKV struct {
	mu   sync.Mutex
	data map[string]string

	failSet bool // 模拟写入失败
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data: make(map[string]string),
	}
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	val, ok := f.data[key]
	if !ok {
		return "", store.ErrMiss
	}
	return val, nil
}

func (f *fakeKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSet {
		return errSetFailed
	}
	f.data[key] = value
	return nil
}

func (f *fakeKV) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.data, key)
	return nil
}
