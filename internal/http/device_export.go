package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"fleetd/internal/models"
	"fleetd/internal/service"
)

// exportBatchSize 导出单次拉取的设备上限
const exportBatchSize = 10000

// deviceExportHeader 设备清单导出表头
var deviceExportHeader = []string{
	"Device ID",
	"Display Name",
	"Device Type",
	"Board Type",
	"Firmware Version",
	"MAC Address",
	"IP Address",
	"Status",
	"Battery %",
	"Last Seen",
	"Registered At",
}

// exportDevices 导出设备清单 Excel
func (a *AdminAPI) exportDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// 1. 拉取设备（状态为读取时刻推导的有效状态）
	resp, err := a.deviceService.ListDevices(ctx, service.ListDevicesRequest{
		DeviceType: r.URL.Query().Get("device_type"),
		Page:       1,
		Size:       exportBatchSize,
	})
	if err != nil {
		a.logger.Error("Export device list failed", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	// 2. 生成 Excel
	data, err := generateDeviceExport(resp.Items)
	if err != nil {
		a.logger.Error("Export generation failed", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("export generation failed"))
		return
	}

	// 3. 下载响应
	filename := "fleet_devices_" + time.Now().UTC().Format("20060102_150405") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// generateDeviceExport 生成设备清单 Excel 文件
func generateDeviceExport(devices []models.Device) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo 需要文件保持打开，出错路径单独 Close

	sheetName := "Devices"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	// 表头样式
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range deviceExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}

	// 列宽
	columnWidths := []float64{
		22, // Device ID
		24, // Display Name
		14, // Device Type
		14, // Board Type
		18, // Firmware Version
		20, // MAC Address
		16, // IP Address
		12, // Status
		10, // Battery %
		20, // Last Seen
		20, // Registered At
	}
	for i := range deviceExportHeader {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if i < len(columnWidths) {
			if err := f.SetColWidth(sheetName, col, col, columnWidths[i]); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set column width: %w", err)
			}
		}
	}

	// 数据行
	for rowIdx, d := range devices {
		row := rowIdx + 2
		values := []any{
			d.DeviceID,
			d.DisplayName,
			d.DeviceType,
			d.BoardType,
			d.FirmwareVersion,
			d.MACAddress,
			d.IPAddress,
			string(d.Status),
			exportBatteryCell(d.BatteryPercent),
			exportTimeCell(d.LastSeen),
			d.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		for col, value := range values {
			if value == nil || value == "" {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	// 冻结表头
	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		Split:       false,
		XSplit:      0,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func exportBatteryCell(pct *float64) any {
	if pct == nil {
		return nil
	}
	return *pct
}

func exportTimeCell(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02 15:04:05")
}
