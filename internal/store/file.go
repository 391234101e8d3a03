package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileKV 基于本地 JSON 文件的 KV 实现（设备端持久化）
// 整个文件在每次写入时原子替换；TTL 参数被忽略（本地缓存不过期）
type FileKV struct {
	mu   sync.Mutex
	path string
}

func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

func (f *FileKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.read()
	if err != nil {
		return "", err
	}

	val, ok := data[key]
	if !ok {
		return "", ErrMiss
	}
	return val, nil
}

func (f *FileKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.read()
	if err != nil {
		return err
	}

	data[key] = value
	return f.write(data)
}

func (f *FileKV) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.read()
	if err != nil {
		return err
	}

	delete(data, key)
	return f.write(data)
}

// read 读取整个存储文件；文件不存在视为空存储
func (f *FileKV) read() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	data := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			// 文件损坏时按空存储处理，下一次写入会覆盖
			return map[string]string{}, nil
		}
	}
	return data, nil
}

// write 写临时文件后 rename，避免半写状态
func (f *FileKV) write(data map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal store data: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".kv-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}
