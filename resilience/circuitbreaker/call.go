package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/pacegate/types"
)

// Classifier 判断错误是否计入熔断失败，返回失败原因；返回 false 表示不计入
type Classifier func(err error) (reason string, failure bool)

// ReasonRunError 非结构化错误统一归为该原因，原始文本只进日志
const ReasonRunError = "RUN_ERROR"

// DefaultClassifier 非 nil 错误计入失败。
// 调用方取消和客户端错误（如无效请求）不应计入熔断失败。
// 返回的 reason 只会是 ErrorCode 或 ReasonRunError，可以直接作为指标标签。
func DefaultClassifier(err error) (string, bool) {
	if err == nil || errors.Is(err, context.Canceled) {
		return "", false
	}
	if e, ok := types.AsError(err); ok {
		switch e.Code {
		case types.ErrInvalidRequest, types.ErrNotFound, types.ErrCancelled:
			return "", false
		}
		return string(e.Code), true
	}
	return ReasonRunError, true
}

// Call 在 key 对应的熔断器保护下执行 fn
func (r *Registry) Call(ctx context.Context, key string, fn func(context.Context) error) error {
	_, err := CallWithResult(ctx, r, key, DefaultClassifier, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CallWithResult 执行调用并返回结果。
// 打开状态直接返回 ErrCircuitOpen，不调用 fn。
func CallWithResult[T any](ctx context.Context, r *Registry, key string, classify Classifier, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if classify == nil {
		classify = DefaultClassifier
	}

	state, ok, ts := r.entry(key).admit(r.now(), r.config)
	r.dispatch(key, ts)
	if !ok {
		if state == StateHalfOpen {
			return zero, fmt.Errorf("%s: %w", key, ErrTooManyCallsInHalfOpen)
		}
		return zero, fmt.Errorf("%s: %w", key, ErrCircuitOpen)
	}

	if err := ctx.Err(); err != nil {
		r.releaseTrial(key)
		return zero, err
	}

	result, err := fn(ctx)
	if err == nil {
		r.RecordSuccess(key)
		return result, nil
	}
	if reason, failure := classify(err); failure {
		r.recordFailure(key, reason, err.Error())
	} else {
		r.releaseTrial(key)
	}
	return zero, err
}

func (r *Registry) releaseTrial(key string) {
	e := r.entry(key)
	e.mu.Lock()
	if e.halfOpenInFlight > 0 {
		e.halfOpenInFlight--
	}
	e.mu.Unlock()
}
