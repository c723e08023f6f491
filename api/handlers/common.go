package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/pacegate/types"
)

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息
type ErrorInfo struct {
	Code              string  `json:"code"`
	Message           string  `json:"message"`
	Retryable         bool    `json:"retryable,omitempty"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
	AccountID         string  `json:"account_id,omitempty"`
}

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 头已写出，编码失败无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入 200 成功响应
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteError 写入错误响应；非 types.Error 按内部错误处理
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	var e *types.Error
	if !errors.As(err, &e) {
		e = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}
	status := e.HTTPStatus
	if status == 0 {
		status = StatusForCode(e.Code)
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}

	if logger != nil {
		lvl := logger.Warn
		if status >= http.StatusInternalServerError {
			lvl = logger.Error
		}
		lvl("API error",
			zap.String("code", string(e.Code)),
			zap.String("message", e.Message),
			zap.Int("status", status),
			zap.Error(e.Cause),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:              string(e.Code),
			Message:           e.Message,
			Retryable:         e.Retryable,
			RetryAfterSeconds: e.RetryAfter.Seconds(),
			AccountID:         e.AccountID,
		},
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// StatusForCode 错误码到 HTTP 状态码
func StatusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrBreakerOpen, types.ErrRateExhausted, types.ErrInteractionsPaused, types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case types.ErrUpstreamError:
		return http.StatusBadGateway
	case types.ErrServiceUnavailable, types.ErrBrowserUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrCancelled:
		// nginx 约定的 499 client closed request
		return 499
	}
	return http.StatusInternalServerError
}

// RequestIDHeader 请求 ID 的头名
const RequestIDHeader = "X-Request-ID"

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id, ok := types.RequestID(r.Context()); ok {
		return id
	}
	return r.Header.Get(RequestIDHeader)
}

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建包装器
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 记录首次写入的状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap 让 http.ResponseController 能找到底层连接（websocket 升级需要）
func (rw *ResponseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
