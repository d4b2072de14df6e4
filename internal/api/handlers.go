package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	apperr "clashsub.com/p/internal/error"
	"clashsub.com/p/internal/model"
	"clashsub.com/p/internal/tunnel"
)

// maxBodySize 请求体上限
const maxBodySize = 64 << 10

const codeBadRequest = "BadRequest"

type errorResponse struct {
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

type downloadRequest struct {
	URL string `json:"url"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type currentRequest struct {
	ID string `json:"id"`
}

type currentResponse struct {
	ID string `json:"id"`
}

type updateResult struct {
	ID        string `json:"id"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusOf 错误码到 HTTP 状态码的映射
func statusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeDuplicateID:
		return http.StatusConflict
	case apperr.CodeInvalidName:
		return http.StatusBadRequest
	case apperr.CodeParse:
		return http.StatusUnprocessableEntity
	case apperr.CodeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := statusOf(code)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("请求处理失败")
	} else {
		h.log.WithError(err).WithField("path", r.URL.Path).Debug("请求失败")
	}
	writeJSON(w, status, errorResponse{Code: string(code), Retryable: apperr.IsRetryable(err)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	return dec.Decode(v) == nil
}

// ListSubscriptions GET /subscriptions
func (h *Handlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.subs.List())
}

// GetSubscription GET /subscriptions/{id}
func (h *Handlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// DownloadSubscription POST /subscriptions {"url": "..."}
func (h *Handlers) DownloadSubscription(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !decodeBody(w, r, &req) || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: codeBadRequest})
		return
	}
	res := <-h.subs.DownloadAsync(r.Context(), req.URL)
	if res.Err != nil {
		h.writeError(w, r, res.Err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Subscription)
}

// UpdateSubscription POST /subscriptions/{id}/update
func (h *Handlers) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	res := <-h.subs.UpdateAsync(r.Context(), mux.Vars(r)["id"])
	if res.Err != nil {
		h.writeError(w, r, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Subscription)
}

// UpdateAllSubscriptions POST /subscriptions/update
func (h *Handlers) UpdateAllSubscriptions(w http.ResponseWriter, r *http.Request) {
	results := h.subs.UpdateAll(r.Context())
	out := make([]updateResult, 0, len(results))
	// 按订阅顺序输出
	for _, sub := range h.subs.List() {
		err, ok := results[sub.ID]
		if !ok {
			continue
		}
		item := updateResult{ID: sub.ID}
		if err != nil {
			item.Code = string(apperr.CodeOf(err))
			item.Retryable = apperr.IsRetryable(err)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

// RenameSubscription PUT /subscriptions/{id}/alias {"name": "..."}
func (h *Handlers) RenameSubscription(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decodeBody(w, r, &req) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: codeBadRequest})
		return
	}
	res := <-h.subs.RenameAsync(r.Context(), mux.Vars(r)["id"], req.Name)
	if res.Err != nil {
		h.writeError(w, r, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Subscription)
}

// DeleteSubscription DELETE /subscriptions/{id}
func (h *Handlers) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	res := <-h.subs.DeleteAsync(r.Context(), mux.Vars(r)["id"])
	if res.Err != nil {
		h.writeError(w, r, res.Err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListProxies GET /subscriptions/{id}/proxies
func (h *Handlers) ListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := h.servers.ListServers(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if proxies == nil {
		proxies = []model.Proxy{}
	}
	writeJSON(w, http.StatusOK, proxies)
}

// TestDelays GET /subscriptions/{id}/delays
func (h *Handlers) TestDelays(w http.ResponseWriter, r *http.Request) {
	delays, err := h.servers.TestDelays(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, delays)
}

// GetCurrent GET /current
func (h *Handlers) GetCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentResponse{ID: h.subs.Current()})
}

// SetCurrent PUT /current {"id": "..."}
func (h *Handlers) SetCurrent(w http.ResponseWriter, r *http.Request) {
	var req currentRequest
	if !decodeBody(w, r, &req) || req.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: codeBadRequest})
		return
	}
	if err := h.subs.Select(r.Context(), req.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, currentResponse{ID: h.subs.Current()})
}

// GetTunnelStatus GET /tunnel
func (h *Handlers) GetTunnelStatus(w http.ResponseWriter, r *http.Request) {
	if h.tunnel == nil {
		writeJSON(w, http.StatusOK, tunnel.Status{})
		return
	}
	writeJSON(w, http.StatusOK, h.tunnel.Status())
}
