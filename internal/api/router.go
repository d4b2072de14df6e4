// Package api 提供本地控制接口，返回 JSON，错误只包含错误码，由调用方本地化。
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"clashsub.com/p/internal/service"
	"clashsub.com/p/internal/tunnel"
)

// TunnelStatus 查询隧道状态，由 tunnel.XrayTunnel 实现
type TunnelStatus interface {
	Status() tunnel.Status
}

// Handlers 控制接口的处理器集合
type Handlers struct {
	subs    *service.SubscriptionService
	servers *service.ServerService
	tunnel  TunnelStatus
	logs    *LogBuffer
	log     logrus.FieldLogger
}

// New 创建处理器。tunnel 可以为 nil，此时 /tunnel 返回未运行。
func New(subs *service.SubscriptionService, servers *service.ServerService, tunnel TunnelStatus, log logrus.FieldLogger) *Handlers {
	return &Handlers{
		subs:    subs,
		servers: servers,
		tunnel:  tunnel,
		log:     log,
	}
}

// WithLogs 启用 GET /logs。
func (h *Handlers) WithLogs(logs *LogBuffer) *Handlers {
	h.logs = logs
	return h
}

// NewRouter 注册所有路由。
// 参数：
//   - h: 处理器
//   - limit: 每个客户端地址的请求速率，0 表示不限速
//   - burst: 突发请求数
func NewRouter(h *Handlers, limit rate.Limit, burst int) *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(h.log))
	if limit > 0 {
		r.Use(NewRateLimiterMiddleware(limit, burst).Middleware)
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/subscriptions", h.ListSubscriptions).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions", h.DownloadSubscription).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions/update", h.UpdateAllSubscriptions).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions/{id}", h.GetSubscription).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions/{id}", h.DeleteSubscription).Methods(http.MethodDelete)
	r.HandleFunc("/subscriptions/{id}/update", h.UpdateSubscription).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions/{id}/alias", h.RenameSubscription).Methods(http.MethodPut)
	r.HandleFunc("/subscriptions/{id}/proxies", h.ListProxies).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions/{id}/delays", h.TestDelays).Methods(http.MethodGet)

	r.HandleFunc("/current", h.GetCurrent).Methods(http.MethodGet)
	r.HandleFunc("/current", h.SetCurrent).Methods(http.MethodPut)
	r.HandleFunc("/tunnel", h.GetTunnelStatus).Methods(http.MethodGet)
	if h.logs != nil {
		r.HandleFunc("/logs", h.GetLogs).Methods(http.MethodGet)
	}
	return r
}
