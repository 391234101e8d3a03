package models

import "encoding/json"

// 服务器/客户端帧类型
const (
	MessageTypeIdentification = "identification"
	MessageTypeHeartbeat      = "heartbeat"
	MessageTypePanic          = "panic"
	MessageTypeHistory        = "history"
	MessageTypeNewAlert       = "new_alert"
	MessageTypeConnection     = "connection"
)

// Envelope 入站帧外层（按 type 分发）
type Envelope struct {
	Type   string            `json:"type"`
	Alerts []json.RawMessage `json:"alerts,omitempty"` // history
	Alert  json.RawMessage   `json:"alert,omitempty"`  // new_alert
	ID     string            `json:"id,omitempty"`     // connection ack 分配的客户端ID
}

// IdentificationFrame 出站标识帧
type IdentificationFrame struct {
	Type     string `json:"type"`
	Client   string `json:"client"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// HeartbeatFrame 出站心跳帧
type HeartbeatFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// OutboundAlert 出站报警帧（panic 或自定义类型）
type OutboundAlert struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Date        string   `json:"date"`
	Time        string   `json:"time"`
	Location    Location `json:"location"`
}
