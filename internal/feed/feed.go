package feed

import (
	"math"
	"sort"
	"sync"

	"dracia-alerts/internal/models"

	"go.uber.org/zap"
)

// Engine 报警去重与合并引擎
// 维护权威报警列表：同一逻辑事件至多一条，列表恒按日期+时间降序。
// 合并是 O(n·m) 的线性扫描——列表受持久化上限约束（≤50条），
// 简单性优先于可扩展性
type Engine struct {
	mu              sync.Mutex
	alerts          []models.Alert
	confidenceDelta float64
	logger          *zap.Logger
}

// NewEngine 创建合并引擎
// confidenceDelta: 判定同一事件的置信度容差
func NewEngine(confidenceDelta float64, logger *zap.Logger) *Engine {
	return &Engine{
		confidenceDelta: confidenceDelta,
		logger:          logger,
	}
}

// Merge 将一批规范化报警并入当前列表，返回实际新增条数
// 先到者优先：命中已有事件的新报警直接丢弃，不做字段级合并。
// 全量历史和单条增量都走这一条路径，保证不变量一致
func (e *Engine) Merge(incoming ...models.Alert) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	added := 0
	for i := range incoming {
		if e.findMatch(&incoming[i]) {
			e.logger.Debug("Duplicate alert discarded",
				zap.String("id", incoming[i].ID),
				zap.String("kind", incoming[i].Kind),
			)
			continue
		}
		e.alerts = append(e.alerts, incoming[i])
		added++
	}

	if added > 0 {
		e.sortLocked()
	}
	return added
}

// findMatch 判断是否已存在同一逻辑事件
// 相同 id，或 日期+时间+类别相同且置信度差不超过容差
func (e *Engine) findMatch(a *models.Alert) bool {
	for i := range e.alerts {
		b := &e.alerts[i]
		if a.ID != "" && a.ID == b.ID {
			return true
		}
		if a.Date == b.Date && a.Time == b.Time && a.Kind == b.Kind &&
			math.Abs(a.Confidence-b.Confidence) <= e.confidenceDelta {
			return true
		}
	}
	return false
}

// sortLocked 稳定排序：日期+时间降序（最新在前）
func (e *Engine) sortLocked() {
	sort.SliceStable(e.alerts, func(i, j int) bool {
		return e.alerts[i].SortKey() > e.alerts[j].SortKey()
	})
}

// Snapshot 返回当前列表的副本（订阅方只读，不得回写）
func (e *Engine) Snapshot() []models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.Alert, len(e.alerts))
	copy(out, e.alerts)
	return out
}

// Last 返回最新一条报警（列表为空时返回 nil）
func (e *Engine) Last() *models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.alerts) == 0 {
		return nil
	}
	last := e.alerts[0]
	return &last
}

// Len 当前列表长度
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.alerts)
}

// Clear 清空列表（仅由用户显式清空触发）
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = nil
}
