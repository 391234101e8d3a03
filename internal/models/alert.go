package models

// Priority 报警优先级（由置信度推导）
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// PriorityFromConfidence 置信度 → 优先级
// >=0.7 high, >=0.5 medium, 其余 low
func PriorityFromConfidence(confidence float64) Priority {
	switch {
	case confidence >= 0.7:
		return PriorityHigh
	case confidence >= 0.5:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Location 报警位置
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// Alert 规范化后的报警
type Alert struct {
	ID              string   `json:"id"`
	Kind            string   `json:"tipo"` // 类别标签，如 "arma"、"panico"
	Title           string   `json:"title,omitempty"`
	Description     string   `json:"description"`
	Confidence      float64  `json:"confidence"`
	Priority        Priority `json:"priority"`
	Date            string   `json:"date"` // YYYY-MM-DD
	Time            string   `json:"time"` // HH:MM:SS
	Location        Location `json:"location"`
	OccurrenceCount int      `json:"occurrenceCount"`
}

// SortKey 排序键（日期+时间，字典序即时间序）
func (a *Alert) SortKey() string {
	return a.Date + " " + a.Time
}
