package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dracia-alerts/internal/cache"
	"dracia-alerts/internal/client"
	"dracia-alerts/internal/config"
	"dracia-alerts/internal/feed"
	"dracia-alerts/internal/hub"
	"dracia-alerts/internal/models"
	"dracia-alerts/internal/normalizer"
	"dracia-alerts/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Snapshot 暴露给 UI 消费方的只读快照
type Snapshot struct {
	Connected bool
	ClientID  string
	Alerts    []models.Alert
	LastAlert *models.Alert
}

// AlertService 报警流客户端服务（整合各层）
// 进程启动时构造一次：连接管理 → 规范化 → 去重合并 → 持久化 → 订阅通知。
// UI 消费方只通过 Subscribe/Send/Reconnect/ClearAlerts/Snapshot 交互，
// 不直接接触 socket 和定时器
type AlertService struct {
	config *config.Config
	logger *zap.Logger

	hub        *hub.Hub
	engine     *feed.Engine
	cache      *cache.AlertCache
	normalizer *normalizer.Normalizer
	client     *client.Client

	redisClient *redis.Client // redis 后端时持有，Stop 时关闭
}

// NewAlertService 创建报警流服务
func NewAlertService(cfg *config.Config, logger *zap.Logger) (*AlertService, error) {
	// 1. 构建持久化存储
	kv, redisClient, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	// 2. 创建各层组件
	h := hub.New(logger)
	engine := feed.NewEngine(cfg.Dedup.ConfidenceDelta, logger)
	alertCache := cache.New(kv, cfg.Store.CacheKey, cfg.Store.MaxEntries, logger)
	norm := normalizer.New(cfg.Location.FallbackLatitude, cfg.Location.FallbackLongitude, logger)

	s := &AlertService{
		config:      cfg,
		logger:      logger,
		hub:         h,
		engine:      engine,
		cache:       alertCache,
		normalizer:  norm,
		redisClient: redisClient,
	}

	// 3. 创建连接管理器（入站帧交给 handleFrame 分发）
	s.client = client.New(cfg, logger, h, s.handleFrame)

	return s, nil
}

// buildStore 按配置选择持久化后端
func buildStore(cfg *config.Config) (store.KV, *redis.Client, error) {
	switch cfg.Store.Backend {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return store.NewRedisKV(redisClient), redisClient, nil
	case "file":
		return store.NewFileKV(cfg.Store.FilePath), nil, nil
	default:
		return nil, nil, fmt.Errorf("invalid store backend: %s", cfg.Store.Backend)
	}
}

// Start 启动服务：恢复持久化列表后发起连接
func (s *AlertService) Start(ctx context.Context) error {
	s.logger.Info("Starting alert stream service")

	// 冷启动恢复（损坏/缺失时为空列表，从不失败）
	restored := s.cache.Load(ctx)
	if len(restored) > 0 {
		s.engine.Merge(restored...)
		s.logger.Info("Restored persisted alerts",
			zap.Int("count", len(restored)),
		)
	}

	s.client.Connect()

	s.logger.Info("Alert stream service started")
	return nil
}

// Stop 停止服务
func (s *AlertService) Stop() {
	s.logger.Info("Stopping alert stream service")

	s.client.Disconnect()

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}

	s.logger.Info("Alert stream service stopped")
}

// handleFrame 入站帧分发
// history → 全量合并；new_alert → 单条合并；connection → 记录客户端ID。
// 无法解析的帧丢弃并告警，不会到达合并引擎
func (s *AlertService) handleFrame(payload []byte) {
	var env models.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.logger.Warn("Dropping malformed frame",
			zap.Error(err),
		)
		return
	}

	switch env.Type {
	case models.MessageTypeHistory:
		batch := make([]models.Alert, 0, len(env.Alerts))
		for _, raw := range env.Alerts {
			alert, err := s.normalizer.Normalize(raw)
			if err != nil {
				s.logger.Warn("Dropping malformed alert in history",
					zap.Error(err),
				)
				continue
			}
			batch = append(batch, *alert)
		}
		s.merge(batch...)

	case models.MessageTypeNewAlert:
		alert, err := s.normalizer.Normalize(env.Alert)
		if err != nil {
			s.logger.Warn("Dropping malformed alert",
				zap.Error(err),
			)
			return
		}
		s.merge(*alert)

	case models.MessageTypeConnection:
		s.client.SetClientID(env.ID)

	default:
		s.logger.Debug("Ignoring unknown frame type",
			zap.String("type", env.Type),
		)
	}
}

// merge 合并并在有变化时异步持久化、通知订阅方
func (s *AlertService) merge(alerts ...models.Alert) {
	if len(alerts) == 0 {
		return
	}

	added := s.engine.Merge(alerts...)
	if added == 0 {
		return
	}

	snapshot := s.engine.Snapshot()
	s.cache.SaveAsync(snapshot)
	s.hub.Publish(hub.Event{
		Type:   hub.EventMessage,
		Alert:  s.engine.Last(),
		Alerts: snapshot,
	})
}

// Subscribe 注册订阅回调，返回取消订阅函数
func (s *AlertService) Subscribe(cb hub.Callback) func() {
	return s.hub.Subscribe(cb)
}

// Send 通过连接管理器发送任意出站帧
func (s *AlertService) Send(v interface{}) bool {
	return s.client.Send(v)
}

// SendPanic 发送紧急报警并将其并入本地列表
// 手动报警使用高置信度（0.95），与服务器端检测报警同路归并
func (s *AlertService) SendPanic(latitude, longitude float64) bool {
	now := time.Now()
	frame := models.OutboundAlert{
		Type:        models.MessageTypePanic,
		Description: "Alerta de pánico enviada desde la aplicación",
		Confidence:  0.95,
		Date:        now.Format("2006-01-02"),
		Time:        now.Format("15:04:05"),
		Location: models.Location{
			Latitude:  latitude,
			Longitude: longitude,
			Address:   "Ubicación enviada desde dispositivo móvil",
		},
	}

	if !s.client.Send(frame) {
		return false
	}

	// 本地创建的报警同样进入权威列表
	raw, err := json.Marshal(struct {
		models.OutboundAlert
		Kind string `json:"tipo"`
	}{OutboundAlert: frame, Kind: "panico"})
	if err == nil {
		if alert, err := s.normalizer.Normalize(raw); err == nil {
			s.merge(*alert)
		}
	}
	return true
}

// Reconnect 手动重连（清零重试计数，failed 状态可恢复）
func (s *AlertService) Reconnect() {
	s.client.Reconnect()
}

// ClearAlerts 清空内存列表和持久化数据（仅由用户显式操作触发）
func (s *AlertService) ClearAlerts(ctx context.Context) error {
	s.engine.Clear()
	if err := s.cache.Clear(ctx); err != nil {
		return err
	}

	s.hub.Publish(hub.Event{
		Type:   hub.EventMessage,
		Alerts: []models.Alert{},
	})
	return nil
}

// Lifecycle 返回注入给宿主环境的前后台通知能力
func (s *AlertService) Lifecycle() client.LifecycleNotifier {
	return s.client
}

// Snapshot 当前状态快照（副本，消费方不得回写）
func (s *AlertService) Snapshot() Snapshot {
	return Snapshot{
		Connected: s.client.State() == client.StateConnected,
		ClientID:  s.client.ClientID(),
		Alerts:    s.engine.Snapshot(),
		LastAlert: s.engine.Last(),
	}
}
