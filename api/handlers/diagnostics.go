package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/pacegate/resilience"
	"github.com/BaSui01/pacegate/types"
)

// defaultTake /adjustments 未指定 take 时的条数
const defaultTake = 20

// DiagnosticsHandler 只读的组件状态查询
type DiagnosticsHandler struct {
	gate   *resilience.Gate
	logger *zap.Logger
}

// NewDiagnosticsHandler 创建诊断处理器
func NewDiagnosticsHandler(gate *resilience.Gate, logger *zap.Logger) *DiagnosticsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiagnosticsHandler{gate: gate, logger: logger.With(zap.String("component", "diagnostics"))}
}

// HandleBreakers GET /v1/diagnostics/breakers
func (h *DiagnosticsHandler) HandleBreakers(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, nonNil(h.gate.Breaker().Snapshot()))
}

// HandleRateLimits GET /v1/diagnostics/ratelimits
func (h *DiagnosticsHandler) HandleRateLimits(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, nonNil(h.gate.Limiter().Snapshot()))
}

// HandleGovernor GET /v1/diagnostics/governor
func (h *DiagnosticsHandler) HandleGovernor(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, nonNil(h.gate.Governor().Snapshot()))
}

// HandleAdvisors GET /v1/diagnostics/advisors
func (h *DiagnosticsHandler) HandleAdvisors(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, nonNil(h.gate.Advisors().Snapshot()))
}

// HandlePaused GET /v1/diagnostics/paused
func (h *DiagnosticsHandler) HandlePaused(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, nonNil(h.gate.Paused()))
}

// HandleContexts GET /v1/contexts
func (h *DiagnosticsHandler) HandleContexts(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, nonNil(h.gate.Orchestrator().Contexts()))
}

// HandleContextState GET /v1/contexts/{id}/state
func (h *DiagnosticsHandler) HandleContextState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := h.gate.Orchestrator().GetState(r.Context(), id)
	if !ok {
		WriteError(w, r, types.NewError(types.ErrNotFound, "context "+strconv.Quote(id)+" has no recorded signals"), h.logger)
		return
	}
	WriteSuccess(w, r, st)
}

// HandleContextAdjustments GET /v1/contexts/{id}/adjustments?take=N，最新在前
func (h *DiagnosticsHandler) HandleContextAdjustments(w http.ResponseWriter, r *http.Request) {
	take := defaultTake
	if raw := r.URL.Query().Get("take"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, r, types.NewError(types.ErrInvalidRequest, "take must be a non-negative integer"), h.logger)
			return
		}
		take = n
	}
	WriteSuccess(w, r, h.gate.Orchestrator().GetRecentAdjustments(r.Context(), r.PathValue("id"), take))
}

// nonNil 空切片编码为 [] 而不是 null
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
