package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 pprof 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterFleetRoutes 注册设备侧路由
func (r *Router) RegisterFleetRoutes(h *FleetHandler) {
	// 注册入口不带设备前缀，device_id 在请求体里
	r.Handle("/fleet/api/v1/register", h.Register)

	// /fleet/api/v1/devices/{device_id}/{config|heartbeat|logs|script-status}
	r.HandleHandler(fleetDevicePrefix, h)
}

// RegisterAdminRoutes 注册管理端路由
func (r *Router) RegisterAdminRoutes(a *AdminAPI) {
	r.Handle(adminDevicesPath, a.DevicesHandler)
	r.Handle(adminDevicesPath+"/", a.DevicesHandler)
}

// RegisterHealthRoutes 注册探活路由
func (r *Router) RegisterHealthRoutes() {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
}
