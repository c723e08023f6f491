package handlers

import "net/http"

// Routes 诊断服务的全部处理器；Metrics 为空时不注册 /metrics
type Routes struct {
	Health      *HealthHandler
	Diagnostics *DiagnosticsHandler
	Stream      *StreamHandler
	Metrics     http.Handler
}

// Mux 按固定路径注册路由
func (r Routes) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	if r.Health != nil {
		mux.HandleFunc("GET /health", r.Health.HandleHealth)
		mux.HandleFunc("GET /healthz", r.Health.HandleHealth)
		mux.HandleFunc("GET /ready", r.Health.HandleReady)
		mux.HandleFunc("GET /version", r.Health.HandleVersion)
	}
	if r.Metrics != nil {
		mux.Handle("GET /metrics", r.Metrics)
	}
	if d := r.Diagnostics; d != nil {
		mux.HandleFunc("GET /v1/diagnostics/breakers", d.HandleBreakers)
		mux.HandleFunc("GET /v1/diagnostics/ratelimits", d.HandleRateLimits)
		mux.HandleFunc("GET /v1/diagnostics/governor", d.HandleGovernor)
		mux.HandleFunc("GET /v1/diagnostics/advisors", d.HandleAdvisors)
		mux.HandleFunc("GET /v1/diagnostics/paused", d.HandlePaused)
		mux.HandleFunc("GET /v1/contexts", d.HandleContexts)
		mux.HandleFunc("GET /v1/contexts/{id}/state", d.HandleContextState)
		mux.HandleFunc("GET /v1/contexts/{id}/adjustments", d.HandleContextAdjustments)
	}
	if r.Stream != nil {
		mux.Handle("GET /v1/stream/adjustments", r.Stream)
	}
	return mux
}
