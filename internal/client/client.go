package client

import (
	"errors"
	"sync"
	"time"

	"dracia-alerts/internal/config"
	"dracia-alerts/internal/hub"
	"dracia-alerts/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State 连接状态（只由本管理器变更）
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed" // 重连预算耗尽，需手动 Reconnect
)

// LifecycleNotifier 宿主环境前后台切换的注入能力
// 核心不注册全局事件，由宿主在切换时调用
type LifecycleNotifier interface {
	OnForeground()
	OnBackground()
}

// MessageHandler 入站原始帧的处理回调
type MessageHandler func(payload []byte)

// Client WebSocket 连接管理器
// 维护与报警服务器的唯一逻辑连接：建连、标识、心跳、超时检测、
// 固定间隔重连与干净关闭。意外断开自动重连（非指数退避，固定间隔），
// 连续失败超过预算后进入 failed，等待手动干预
type Client struct {
	cfg       *config.Config
	logger    *zap.Logger
	hub       *hub.Hub
	onMessage MessageHandler

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	attempts       int
	clientID       string
	gen            int // 连接代数，用于丢弃过期回调
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	background     bool

	// writeMu 串行化并发写（gorilla 不允许并发 WriteJSON）
	writeMu sync.Mutex
}

// New 创建连接管理器
func New(cfg *config.Config, logger *zap.Logger, h *hub.Hub, onMessage MessageHandler) *Client {
	return &Client{
		cfg:       cfg,
		logger:    logger,
		hub:       h,
		onMessage: onMessage,
		state:     StateDisconnected,
	}
}

// Connect 发起连接；已在连接中或已连接时为 no-op
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		c.logger.Debug("Connect ignored: connection already active")
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.publishState(StateConnecting, 0, "")
	go c.dial(gen)
}

// dial 带超时建连；超时/失败按断开处理并调度重连
func (c *Client) dial(gen int) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.Server.ConnectTimeout,
	}
	conn, _, err := dialer.Dial(c.cfg.Server.URL, nil)

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		// 建连期间被 Disconnect/Reconnect 接管
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.Warn("Connection attempt failed",
			zap.String("url", c.cfg.Server.URL),
			zap.Error(err),
		)
		c.publishState(StateDisconnected, websocket.CloseAbnormalClosure, err.Error())
		c.scheduleReconnect()
		return
	}

	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	c.logger.Info("Connected to alert server",
		zap.String("url", c.cfg.Server.URL),
	)
	c.publishState(StateConnected, 0, "")

	// 建连后先发标识帧
	c.Send(models.IdentificationFrame{
		Type:     models.MessageTypeIdentification,
		Client:   c.cfg.Server.ClientName,
		Platform: c.cfg.Server.Platform,
		Version:  c.cfg.Server.Version,
	})

	go c.heartbeatLoop(stop)
	go c.readLoop(conn, gen)
}

// readLoop 读取入站帧直到连接关闭
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			c.handleClose(gen, code, reason)
			return
		}
		if c.onMessage != nil {
			c.onMessage(payload)
		}
	}
}

// handleClose 连接关闭的统一处理
// 重连只由关闭事件驱动（错误事件不调度重连，避免重复调度）；
// 正常关闭码（1000）不触发自动重连
func (c *Client) handleClose(gen int, code int, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		// 已被 Disconnect/Reconnect 接管的过期回调
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Warn("Connection closed",
		zap.Int("code", code),
		zap.String("reason", reason),
	)
	c.publishState(StateDisconnected, code, reason)

	if code != websocket.CloseNormalClosure {
		c.scheduleReconnect()
	}
}

// scheduleReconnect 固定间隔重连调度
// 超过最大连续次数进入 failed，停止重试直到手动 Reconnect
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	if attempts > c.cfg.Server.MaxReconnectAttempts {
		c.state = StateFailed
		c.mu.Unlock()
		c.logger.Error("Reconnect attempts exhausted, giving up",
			zap.Int("max_attempts", c.cfg.Server.MaxReconnectAttempts),
		)
		c.publishState(StateFailed, 0, "reconnect attempts exhausted")
		return
	}

	gen := c.gen
	c.reconnectTimer = time.AfterFunc(c.cfg.Server.ReconnectInterval, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		stale := gen != c.gen || c.state != StateDisconnected
		c.mu.Unlock()
		if stale {
			return
		}
		c.Connect()
	})
	c.mu.Unlock()

	c.logger.Info("Reconnect scheduled",
		zap.Int("attempt", attempts),
		zap.Duration("interval", c.cfg.Server.ReconnectInterval),
	)
}

// Disconnect 干净关闭：停心跳、取消待定重连、正常关闭码收尾
// 这是唯一不触发自动重连的关闭路径
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.logger.Info("Disconnected from alert server")
	c.publishState(StateDisconnected, websocket.CloseNormalClosure, "client disconnect")
}

// Reconnect 手动重连：清零计数并强制重新建连（failed 状态也可）
func (c *Client) Reconnect() {
	c.mu.Lock()
	c.gen++
	c.attempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.logger.Info("Manual reconnect requested")
	c.Connect()
}

// Send 序列化并发送；仅在已连接时发送，失败以返回值报告，从不 panic
func (c *Client) Send(v interface{}) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Warn("Cannot send frame: not connected")
		return false
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(v)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Error("Failed to send frame",
			zap.Error(err),
		)
		// 传输错误上报订阅方，但不在此调度重连（由关闭事件驱动）
		c.hub.Publish(hub.Event{Type: hub.EventError, Err: err})
		return false
	}
	return true
}

// heartbeatLoop 连接期间周期发送心跳；退后台时暂停，回前台恢复
func (c *Client) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.Server.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			paused := c.background
			c.mu.Unlock()
			if paused {
				continue
			}
			c.Send(models.HeartbeatFrame{
				Type:      models.MessageTypeHeartbeat,
				Timestamp: time.Now().Unix(),
			})
		}
	}
}

// OnBackground 应用退后台：仅暂停心跳，连接保持
func (c *Client) OnBackground() {
	c.mu.Lock()
	c.background = true
	c.mu.Unlock()
	c.logger.Debug("Application backgrounded, heartbeat paused")
}

// OnForeground 应用回前台：恢复心跳；若已断开则清零计数并立即重连
func (c *Client) OnForeground() {
	c.mu.Lock()
	c.background = false
	state := c.state
	if state == StateDisconnected || state == StateFailed {
		c.attempts = 0
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
	}
	c.mu.Unlock()

	if state == StateDisconnected || state == StateFailed {
		c.logger.Info("Application foregrounded while disconnected, reconnecting")
		c.Connect()
	}
}

// State 当前连接状态
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts 当前连续重连次数
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ClientID 服务器分配的客户端ID（未分配时为空）
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetClientID 记录服务器 connection ack 分配的客户端ID
func (c *Client) SetClientID(id string) {
	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
	c.logger.Info("Client ID assigned by server",
		zap.String("client_id", id),
	)
}

// stopHeartbeatLocked 停止心跳循环（需持有 c.mu）
func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// publishState 发布连接状态事件
func (c *Client) publishState(state State, code int, reason string) {
	c.hub.Publish(hub.Event{
		Type:   hub.EventConnection,
		State:  string(state),
		Code:   code,
		Reason: reason,
	})
}

// closeInfo 从读取错误中提取关闭码和原因
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
