package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"fleetd/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// writeDeviceError 设备侧错误映射。固件只认状态码和固定字段，
// not_registered 必须机器可读，设备据此走重新注册分支。
func writeDeviceError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrNotRegistered) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"status": "not_registered",
			"error":  "device not registered",
		})
		return
	}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "error",
			"error":  verr.Error(),
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"status": "error",
		"error":  "internal error",
	})
}
