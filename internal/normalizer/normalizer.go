package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dracia-alerts/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// textLocationPattern 文本位置格式: "<address> (<lat>, <lon>)"
var textLocationPattern = regexp.MustCompile(`^\s*(.*?)\s*\(\s*(-?[0-9]+(?:\.[0-9]+)?)\s*,\s*(-?[0-9]+(?:\.[0-9]+)?)\s*\)\s*$`)

// Normalizer 入站报警载荷规范化器
// 服务器的历史载荷字段名不统一（西语/英语键名混用、字段缺失、位置编码为文本），
// 统一映射为规范的 Alert；规范化是幂等的：已规范的载荷原样通过
type Normalizer struct {
	fallbackLat float64
	fallbackLon float64
	logger      *zap.Logger

	// now 可在测试中替换
	now func() time.Time
}

// New 创建规范化器
func New(fallbackLat, fallbackLon float64, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		fallbackLat: fallbackLat,
		fallbackLon: fallbackLon,
		logger:      logger,
		now:         time.Now,
	}
}

// Normalize 将任意 JSON 对象映射为规范 Alert
// 无法解析或缺少必需数值字段（confidence）的帧返回错误，由调用方丢弃
func (n *Normalizer) Normalize(raw json.RawMessage) (*models.Alert, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid alert payload: %w", err)
	}

	confidence, ok := getFloat(payload, "confidence", "confianza")
	if !ok || math.IsNaN(confidence) {
		return nil, fmt.Errorf("alert payload missing confidence")
	}

	now := n.now()
	alert := &models.Alert{
		Kind:       getString(payload, "tipo", "kind"),
		Title:      getString(payload, "title", "titulo", "name", "nombre"),
		Confidence: confidence,
	}

	// ID 缺失时确定性合成：接收时间戳 + 随机后缀
	alert.ID = getString(payload, "id")
	if alert.ID == "" {
		alert.ID = synthesizeID(now)
	}

	// 计数默认为 1
	alert.OccurrenceCount = getInt(payload, "occurrenceCount", "cantidad", "count")
	if alert.OccurrenceCount < 1 {
		alert.OccurrenceCount = 1
	}

	// 描述缺失时由置信度和计数推导
	alert.Description = getString(payload, "description", "descripcion")
	if alert.Description == "" {
		alert.Description = deriveDescription(confidence, alert.OccurrenceCount)
	}

	// 日期时间缺失时取当前时间
	alert.Date = getString(payload, "date", "fecha")
	if alert.Date == "" {
		alert.Date = now.Format("2006-01-02")
	}
	alert.Time = getString(payload, "time", "hora")
	if alert.Time == "" {
		alert.Time = now.Format("15:04:05")
	}

	alert.Location = n.parseLocation(payload)

	// 优先级由置信度推导（载荷已带合法优先级时原样保留）
	alert.Priority = models.Priority(getString(payload, "priority"))
	switch alert.Priority {
	case models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
	default:
		alert.Priority = models.PriorityFromConfidence(confidence)
	}

	return alert, nil
}

// parseLocation 解析位置字段（对象或文本）
// 解析失败时使用兜底坐标，原始文本保留为地址
func (n *Normalizer) parseLocation(payload map[string]interface{}) models.Location {
	fallback := models.Location{
		Latitude:  n.fallbackLat,
		Longitude: n.fallbackLon,
	}

	raw, ok := firstValue(payload, "location", "ubicacion")
	if !ok {
		return fallback
	}

	switch v := raw.(type) {
	case map[string]interface{}:
		loc := models.Location{
			Address: getString(v, "address", "direccion"),
		}
		lat, okLat := getFloat(v, "latitude", "lat")
		lon, okLon := getFloat(v, "longitude", "lon", "lng")
		if !okLat || !okLon || math.IsNaN(lat) || math.IsNaN(lon) {
			loc.Latitude = n.fallbackLat
			loc.Longitude = n.fallbackLon
			return loc
		}
		loc.Latitude = lat
		loc.Longitude = lon
		return loc
	case string:
		if m := textLocationPattern.FindStringSubmatch(v); m != nil {
			lat, errLat := strconv.ParseFloat(m[2], 64)
			lon, errLon := strconv.ParseFloat(m[3], 64)
			if errLat == nil && errLon == nil {
				return models.Location{
					Latitude:  lat,
					Longitude: lon,
					Address:   m[1],
				}
			}
		}
		fallback.Address = strings.TrimSpace(v)
		return fallback
	default:
		return fallback
	}
}

// synthesizeID 合成报警ID: "alert-<毫秒时间戳>-<随机后缀>"
func synthesizeID(now time.Time) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("alert-%d-%s", now.UnixMilli(), suffix)
}

// deriveDescription 由置信度和计数推导描述
func deriveDescription(confidence float64, occurrenceCount int) string {
	desc := fmt.Sprintf("Detected with confidence: %.0f%%", confidence*100)
	if occurrenceCount > 1 {
		desc += fmt.Sprintf(". Confirmed %d times", occurrenceCount)
	}
	return desc
}

// firstValue 按优先顺序取第一个存在的键
func firstValue(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func getString(m map[string]interface{}, keys ...string) string {
	v, ok := firstValue(m, keys...)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func getFloat(m map[string]interface{}, keys ...string) (float64, bool) {
	v, ok := firstValue(m, keys...)
	if !ok {
		return 0, false
	}
	switch f := v.(type) {
	case float64:
		return f, true
	case string:
		parsed, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func getInt(m map[string]interface{}, keys ...string) int {
	f, ok := getFloat(m, keys...)
	if !ok {
		return 0
	}
	return int(f)
}
