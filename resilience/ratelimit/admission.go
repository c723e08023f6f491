package ratelimit

import (
	"fmt"
	"time"

	"github.com/BaSui01/pacegate/types"
)

// Decision 准入结果
type Decision int

const (
	// Admitted 已获得令牌
	Admitted Decision = iota
	// Rejected 熔断或令牌不足，调用方自行决定退避或放弃
	Rejected
	// Errored 取消或内部错误，未消耗任何令牌
	Errored
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case Rejected:
		return "rejected"
	default:
		return "error"
	}
}

// Reason 拒绝原因
type Reason string

const (
	ReasonBreakerOpen   Reason = "breaker_open"
	ReasonRateExhausted Reason = "rate_exhausted"
)

// Admission 一次 Acquire 的结果
type Admission struct {
	Decision   Decision      `json:"decision"`
	Reason     Reason        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Permits    int           `json:"permits,omitempty"`
	Waited     time.Duration `json:"waited,omitempty"`
	Err        error         `json:"-"`
}

// Admitted 是否放行
func (a Admission) Admitted() bool { return a.Decision == Admitted }

// AsError 把非放行结果转换为错误；放行时返回 nil。
// 拒绝对应 BREAKER_OPEN / RATE_EXHAUSTED，取消时返回 ctx 的原始错误。
func (a Admission) AsError() error {
	switch a.Decision {
	case Admitted:
		return nil
	case Rejected:
		code := types.ErrRateExhausted
		msg := "admission denied: rate exhausted"
		if a.Reason == ReasonBreakerOpen {
			code = types.ErrBreakerOpen
			msg = "admission denied: breaker open"
		}
		return types.NewError(code, msg).WithHTTPStatus(429).WithRetryAfter(a.RetryAfter)
	default:
		if a.Err != nil {
			return a.Err
		}
		return types.NewError(types.ErrInternalError, "admission failed")
	}
}

func (a Admission) String() string {
	switch a.Decision {
	case Admitted:
		return fmt.Sprintf("admitted(permits=%d, waited=%s)", a.Permits, a.Waited)
	case Rejected:
		return fmt.Sprintf("rejected(%s, retry_after=%s)", a.Reason, a.RetryAfter)
	default:
		return fmt.Sprintf("error(%v)", a.Err)
	}
}

func admitted(permits int, waited time.Duration) Admission {
	return Admission{Decision: Admitted, Permits: permits, Waited: waited}
}

func rejected(reason Reason, retryAfter time.Duration) Admission {
	return Admission{Decision: Rejected, Reason: reason, RetryAfter: retryAfter}
}

func errored(err error) Admission {
	return Admission{Decision: Errored, Err: err}
}
