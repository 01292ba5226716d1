package evaluator

import (
	"math"
	"time"

	"fleetd/internal/models"
)

// 电池字段有两个互不信任的生产者：心跳 metrics 和自由文本日志行。
// 日志行可能从带外通道到达，采集时刻保真度更高，因此：
//   1. 日志写入后 120 秒内，心跳来源的电池更新直接丢弃
//   2. 日志来源的电压做指数平滑 new = 0.7*prev + 0.3*observed（有历史值时），保留 2 位小数
//   3. 只有电压没有百分比时，按 3.3V=0% / 4.2V=100% 线性插值，截断到 [0,100]，保留 1 位小数
//   4. 每次成功写入记录来源与时间，供下一次仲裁使用

// LogSuppressionWindow 日志写入后压制心跳电池写入的时长
const LogSuppressionWindow = 120 * time.Second

// 电压-百分比线性换算端点
const (
	voltageEmpty = 3.3
	voltageFull  = 4.2
)

// 指数平滑权重
const (
	smoothPrevWeight = 0.7
	smoothObsWeight  = 0.3
)

// BatteryObservation 一次电池读数
type BatteryObservation struct {
	Source  models.BatterySource
	Percent *float64
	Voltage *float64
	At      time.Time
}

// ResolveBattery 对一次读数做仲裁。
// applied=false 表示读数被压制或为空，prev 原样保留。
func ResolveBattery(prev models.BatteryState, obs BatteryObservation) (next models.BatteryState, applied bool) {
	if obs.Percent == nil && obs.Voltage == nil {
		return prev, false
	}
	if obs.Source == models.BatterySourceHeartbeat && suppressed(prev, obs.At) {
		return prev, false
	}

	at := obs.At
	next = models.BatteryState{
		Percent:   prev.Percent,
		Voltage:   prev.Voltage,
		Source:    obs.Source,
		UpdatedAt: &at,
	}

	if obs.Voltage != nil {
		v := *obs.Voltage
		if obs.Source == models.BatterySourceLog && prev.Voltage != nil {
			v = smoothPrevWeight**prev.Voltage + smoothObsWeight*v
		}
		v = Round(v, 2)
		next.Voltage = &v
	}

	switch {
	case obs.Percent != nil:
		p := Round(*obs.Percent, 1)
		next.Percent = &p
	case next.Voltage != nil:
		p := PercentFromVoltage(*next.Voltage)
		next.Percent = &p
	}

	return next, true
}

// suppressed 心跳写入是否落在日志写入的压制窗口内
func suppressed(prev models.BatteryState, at time.Time) bool {
	if prev.Source != models.BatterySourceLog || prev.UpdatedAt == nil {
		return false
	}
	return at.Sub(*prev.UpdatedAt) < LogSuppressionWindow
}

// PercentFromVoltage 电压线性换算为百分比
func PercentFromVoltage(v float64) float64 {
	p := (v - voltageEmpty) / (voltageFull - voltageEmpty) * 100
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return Round(p, 1)
}

// Round 四舍五入到 places 位小数
func Round(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
