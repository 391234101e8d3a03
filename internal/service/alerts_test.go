package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dracia-alerts/internal/client"
	"dracia-alerts/internal/config"
	"dracia-alerts/internal/hub"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAlertServer 测试用报警服务器
type fakeAlertServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeAlertServer(t *testing.T) *fakeAlertServer {
	fs := &fakeAlertServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeAlertServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeAlertServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func serviceConfig(t *testing.T, url string) *config.Config {
	cfg := &config.Config{}
	cfg.Server.URL = url
	cfg.Server.ClientName = "app"
	cfg.Server.Platform = "test"
	cfg.Server.Version = "0.0.1"
	cfg.Server.ConnectTimeout = 2 * time.Second
	cfg.Server.HeartbeatInterval = time.Hour // 测试中不产生心跳帧
	cfg.Server.ReconnectInterval = time.Hour
	cfg.Server.MaxReconnectAttempts = 10
	cfg.Store.Backend = "file"
	cfg.Store.FilePath = filepath.Join(t.TempDir(), "alerts.json")
	cfg.Store.CacheKey = "dracia:alerts"
	cfg.Store.MaxEntries = 50
	cfg.Dedup.ConfidenceDelta = 0.05
	cfg.Location.FallbackLatitude = 20.9141
	cfg.Location.FallbackLongitude = -100.7456
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) (*AlertService, chan hub.Event) {
	s, err := NewAlertService(cfg, zap.NewNop())
	require.NoError(t, err)

	events := make(chan hub.Event, 64)
	s.Subscribe(func(ev hub.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s, events
}

func waitEvent(t *testing.T, events chan hub.Event, typ hub.EventType, timeout time.Duration) hub.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return hub.Event{}
		}
	}
}

func drainIdentification(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "identification", frame["type"])
}

func TestAlertService_HistoryThenDuplicateNewAlert(t *testing.T) {
	fs := newFakeAlertServer(t)
	s, events := newTestService(t, serviceConfig(t, fs.url()))

	conn := fs.waitConn(t)
	drainIdentification(t, conn)

	history := map[string]interface{}{
		"type": "history",
		"alerts": []map[string]interface{}{
			{"id": "a-1", "tipo": "robo", "confidence": 0.91, "date": "2025-03-27", "time": "10:00:00"},
			{"id": "a-2", "tipo": "asalto", "confidence": 0.72, "date": "2025-03-27", "time": "11:30:00"},
			{"id": "a-3", "tipo": "robo", "confidence": 0.55, "date": "2025-03-26", "time": "21:15:00"},
		},
	}
	require.NoError(t, conn.WriteJSON(history))

	ev := waitEvent(t, events, hub.EventMessage, 2*time.Second)
	assert.Len(t, ev.Alerts, 3)
	// 列表按时间倒序
	assert.Equal(t, "a-2", ev.Alerts[0].ID)
	assert.Equal(t, "a-1", ev.Alerts[1].ID)
	assert.Equal(t, "a-3", ev.Alerts[2].ID)

	// 同一事件的 new_alert 重复（ID 相同）不得产生新条目
	dup := map[string]interface{}{
		"type":  "new_alert",
		"alert": map[string]interface{}{"id": "a-1", "tipo": "robo", "confidence": 0.91, "date": "2025-03-27", "time": "10:00:00"},
	}
	require.NoError(t, conn.WriteJSON(dup))

	// 近似置信度的新事件正常进入列表
	fresh := map[string]interface{}{
		"type":  "new_alert",
		"alert": map[string]interface{}{"id": "a-4", "tipo": "robo", "confidence": 0.88, "date": "2025-03-27", "time": "12:00:00"},
	}
	require.NoError(t, conn.WriteJSON(fresh))

	ev = waitEvent(t, events, hub.EventMessage, 2*time.Second)
	assert.Len(t, ev.Alerts, 4)
	assert.Equal(t, "a-4", ev.Alerts[0].ID)
	require.NotNil(t, ev.Alert)
	assert.Equal(t, "a-4", ev.Alert.ID)

	snap := s.Snapshot()
	assert.True(t, snap.Connected)
	assert.Len(t, snap.Alerts, 4)
}

func TestAlertService_ConnectionAckSetsClientID(t *testing.T) {
	fs := newFakeAlertServer(t)
	s, _ := newTestService(t, serviceConfig(t, fs.url()))

	conn := fs.waitConn(t)
	drainIdentification(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "connection",
		"id":   "client-42",
	}))

	assert.Eventually(t, func() bool {
		return s.Snapshot().ClientID == "client-42"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAlertService_PersistsAndRestores(t *testing.T) {
	fs := newFakeAlertServer(t)
	cfg := serviceConfig(t, fs.url())
	s, events := newTestService(t, cfg)

	conn := fs.waitConn(t)
	drainIdentification(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":  "new_alert",
		"alert": map[string]interface{}{"id": "a-9", "tipo": "robo", "confidence": 0.8, "date": "2025-03-27", "time": "10:00:00"},
	}))
	waitEvent(t, events, hub.EventMessage, 2*time.Second)
	s.Stop()

	// 用相同存储路径重建服务：冷启动时恢复持久化列表
	assert.Eventually(t, func() bool {
		restored, err := NewAlertService(cfg, zap.NewNop())
		if err != nil {
			return false
		}
		restored.engine.Merge(restored.cache.Load(context.Background())...)
		return len(restored.engine.Snapshot()) == 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestAlertService_MalformedFramesAreDropped(t *testing.T) {
	fs := newFakeAlertServer(t)
	s, events := newTestService(t, serviceConfig(t, fs.url()))

	conn := fs.waitConn(t)
	drainIdentification(t, conn)

	// 非 JSON、未知类型、缺置信度：全部丢弃
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "mystery"}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":  "new_alert",
		"alert": map[string]interface{}{"id": "a-x", "tipo": "robo"},
	}))

	// 随后的合法报警仍正常处理
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":  "new_alert",
		"alert": map[string]interface{}{"id": "a-ok", "tipo": "robo", "confidence": 0.8},
	}))

	ev := waitEvent(t, events, hub.EventMessage, 2*time.Second)
	assert.Len(t, ev.Alerts, 1)
	assert.Equal(t, "a-ok", ev.Alerts[0].ID)
	assert.Len(t, s.Snapshot().Alerts, 1)
}

func TestAlertService_SendPanic(t *testing.T) {
	fs := newFakeAlertServer(t)
	s, events := newTestService(t, serviceConfig(t, fs.url()))

	conn := fs.waitConn(t)
	drainIdentification(t, conn)

	ok := s.SendPanic(20.91, -100.74)
	require.True(t, ok)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "panic", frame["type"])
	assert.Equal(t, 0.95, frame["confidence"])
	assert.Equal(t, "Alerta de pánico enviada desde la aplicación", frame["description"])

	// 本地报警并入列表并通知订阅方
	ev := waitEvent(t, events, hub.EventMessage, 2*time.Second)
	assert.Len(t, ev.Alerts, 1)
	assert.InDelta(t, 0.95, ev.Alerts[0].Confidence, 0.001)
}

func TestAlertService_SendPanicWhenDisconnected(t *testing.T) {
	cfg := serviceConfig(t, "ws://localhost:1")
	s, err := NewAlertService(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.False(t, s.SendPanic(20.91, -100.74))
	assert.Empty(t, s.Snapshot().Alerts)
}

func TestAlertService_ClearAlerts(t *testing.T) {
	fs := newFakeAlertServer(t)
	s, events := newTestService(t, serviceConfig(t, fs.url()))

	conn := fs.waitConn(t)
	drainIdentification(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":  "new_alert",
		"alert": map[string]interface{}{"id": "a-1", "tipo": "robo", "confidence": 0.8},
	}))
	waitEvent(t, events, hub.EventMessage, 2*time.Second)

	require.NoError(t, s.ClearAlerts(context.Background()))

	snap := s.Snapshot()
	assert.Empty(t, snap.Alerts)
	assert.Nil(t, snap.LastAlert)

	ev := waitEvent(t, events, hub.EventMessage, 2*time.Second)
	assert.Empty(t, ev.Alerts)
}

func TestAlertService_LifecycleNotifier(t *testing.T) {
	fs := newFakeAlertServer(t)
	s, _ := newTestService(t, serviceConfig(t, fs.url()))

	fs.waitConn(t)

	var lc client.LifecycleNotifier = s.Lifecycle()
	require.NotNil(t, lc)
	lc.OnBackground()
	lc.OnForeground()
}

func TestAlertService_InvalidBackend(t *testing.T) {
	cfg := serviceConfig(t, "ws://localhost:1")
	cfg.Store.Backend = "postgres"

	_, err := NewAlertService(cfg, zap.NewNop())
	assert.Error(t, err)
}
