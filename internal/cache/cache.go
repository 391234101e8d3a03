package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dracia-alerts/internal/models"
	"dracia-alerts/internal/store"

	"go.uber.org/zap"
)

// AlertCache 报警列表的本地持久化（尽力而为，失败只记日志）
type AlertCache struct {
	kv         store.KV
	key        string
	maxEntries int
	logger     *zap.Logger
}

// New 创建报警缓存
func New(kv store.KV, key string, maxEntries int, logger *zap.Logger) *AlertCache {
	return &AlertCache{
		kv:         kv,
		key:        key,
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// Load 冷启动时恢复报警列表
// 键不存在或数据损坏时返回空列表，从不向调用方报错
func (c *AlertCache) Load(ctx context.Context) []models.Alert {
	val, err := c.kv.Get(ctx, c.key)
	if err != nil {
		if err != store.ErrMiss {
			c.logger.Warn("Failed to load persisted alerts, starting empty",
				zap.Error(err),
			)
		}
		return nil
	}

	var alerts []models.Alert
	if err := json.Unmarshal([]byte(val), &alerts); err != nil {
		c.logger.Warn("Persisted alerts corrupt, starting empty",
			zap.Error(err),
		)
		return nil
	}

	return alerts
}

// Save 持久化报警列表（截断到最新 maxEntries 条）
// 列表应已按日期+时间降序排列，截断即丢弃最旧的条目
func (c *AlertCache) Save(ctx context.Context, alerts []models.Alert) error {
	if len(alerts) > c.maxEntries {
		alerts = alerts[:c.maxEntries]
	}

	jsonData, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	if err := c.kv.Set(ctx, c.key, string(jsonData), 0); err != nil {
		return fmt.Errorf("failed to persist alerts: %w", err)
	}

	c.logger.Debug("Persisted alerts",
		zap.Int("count", len(alerts)),
	)
	return nil
}

// SaveAsync 异步持久化（fire-and-forget，错误只记日志）
func (c *AlertCache) SaveAsync(alerts []models.Alert) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := c.Save(ctx, alerts); err != nil {
			c.logger.Warn("Async persist failed",
				zap.Error(err),
			)
		}
	}()
}

// Clear 删除持久化数据（仅由用户显式清空触发）
func (c *AlertCache) Clear(ctx context.Context) error {
	if err := c.kv.Delete(ctx, c.key); err != nil {
		return fmt.Errorf("failed to clear persisted alerts: %w", err)
	}
	return nil
}
