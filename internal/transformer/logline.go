// Package transformer 从设备自由文本日志行提取结构化信号
//
// 提取内容：
// - 电池读数：百分比和/或电压
// - 深度休眠标记：设备主动下线的显式信号
//
// 电池提取是启发式的：行内出现 "batt" 才尝试匹配，但匹配本身宽松，
// 形如 "battery controller bus 12.5V" 的行也会命中。这是既有行为，
// 按已知噪声来源对待，不在此处加强语义。
package transformer

import (
	"regexp"
	"strconv"
	"strings"
)

// 电池读数匹配
var (
	batteryPercentRe = regexp.MustCompile(`(?i)batt(?:ery)?[^0-9%]*(\d{1,3}(?:\.\d+)?)\s*%`)
	batteryVoltageRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*v\b`)
)

// 深度休眠/关机标记（大小写不敏感子串）
var hibernationMarkers = []string{
	"deep sleep",
	"deepsleep",
	"hibernat",
	"shutting down",
}

// BatteryReading 从单行日志提取的电池读数
type BatteryReading struct {
	Percent *float64
	Voltage *float64
}

// ExtractBattery 尝试从日志行提取电池读数，行内没有电池内容时返回 nil
func ExtractBattery(line string) *BatteryReading {
	if !strings.Contains(strings.ToLower(line), "batt") {
		return nil
	}

	reading := &BatteryReading{}
	if m := batteryPercentRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			reading.Percent = &v
		}
	}
	if m := batteryVoltageRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			reading.Voltage = &v
		}
	}

	if reading.Percent == nil && reading.Voltage == nil {
		return nil
	}
	return reading
}

// IsHibernationSignal 日志行是否携带深度休眠/关机标记
func IsHibernationSignal(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range hibernationMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
