package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/ChuLiYu/beaver-query/internal/budget"
	"github.com/ChuLiYu/beaver-query/internal/cache"
	"github.com/ChuLiYu/beaver-query/internal/scheduler"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// ErrorResponse 錯誤回應內容
type ErrorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// statusFor 錯誤對應的 HTTP 狀態碼
//
//	可重試的准入拒絕     → 429 (+ Retry-After)
//	NoBudget             → 403
//	編譯錯誤 / 請求錯誤  → 422
//	找不到               → 404
//	狀態不允許 / 已離開佇列 → 409
func statusFor(err error) int {
	switch {
	case types.IsRetryable(err):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrNoBudget):
		return http.StatusForbidden
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrNotCancellable), errors.Is(err, scheduler.ErrNotTracked),
		errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, budget.ErrUnknownTier), errors.Is(err, cache.ErrEmptyHash):
		return http.StatusUnprocessableEntity
	}
	if e, ok := types.AsError(err); ok {
		switch e.Kind {
		case types.KindCompileError, types.KindRequestError:
			return http.StatusUnprocessableEntity
		case types.KindTimeoutError:
			return http.StatusGatewayTimeout
		}
	}
	return http.StatusInternalServerError
}

// codeFor 回應中的錯誤代碼
func codeFor(err error, status int) string {
	if code := types.CodeOf(err); code != "" {
		return string(code)
	}
	switch status {
	case http.StatusNotFound:
		return "NotFound"
	case http.StatusConflict:
		return "Conflict"
	case http.StatusUnprocessableEntity:
		return string(types.CodeInvalidRequest)
	}
	return "Internal"
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: codeFor(err, status)}
	if d, ok := types.RetryAfterOf(err); ok {
		// Retry-After 以秒為單位，至少 1 秒
		secs := int64(math.Ceil(d.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		resp.RetryAfterMs = d.Milliseconds()
	}
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "error", err)
	}
	writeJSON(w, status, resp)
}

// writeBadRequest 無法解析的請求內容
func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(types.CodeInvalidRequest)})
}
