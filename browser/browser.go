package browser

import (
	"context"
	"encoding/json"
	"time"
)

// Action 浏览器操作类型
type Action string

const (
	ActionNavigate Action = "navigate"
	ActionClick    Action = "click"
	ActionType     Action = "type"
	ActionScroll   Action = "scroll"
	ActionWait     Action = "wait"
	ActionExtract  Action = "extract"
	ActionBack     Action = "back"
	ActionRefresh  Action = "refresh"
)

// BrowserCommand 一条待执行的浏览器命令
type BrowserCommand struct {
	Action   Action            `json:"action"`
	Selector string            `json:"selector,omitempty"`
	Value    string            `json:"value,omitempty"` // navigate 的 URL、type 的文本
	Options  map[string]string `json:"options,omitempty"`
}

// BrowserResult 命令执行结果。
// StatusCode 为触发的主请求的 HTTP 状态码，驱动拿不到时为 0。
type BrowserResult struct {
	Success  bool            `json:"success"`
	Action   Action          `json:"action"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
	URL      string          `json:"url,omitempty"`

	StatusCode      int  `json:"status_code,omitempty"`
	CaptchaDetected bool `json:"captcha_detected,omitempty"`
	// HumanLikeScore 驱动对本次操作拟人程度的自评，0 表示未知
	HumanLikeScore float64 `json:"human_like_score,omitempty"`
}

// PageState 当前页面状态
type PageState struct {
	URL     string            `json:"url"`
	Title   string            `json:"title"`
	Cookies map[string]string `json:"cookies,omitempty"`
}

// Browser 浏览器驱动边界；具体实现（CDP、Playwright 等）由调用方提供
type Browser interface {
	Execute(ctx context.Context, cmd BrowserCommand) (*BrowserResult, error)
	GetState(ctx context.Context) (*PageState, error)
	Close() error
}

// Factory 为账号创建浏览器实例
type Factory interface {
	Create(ctx context.Context, accountID string) (Browser, error)
}

// FactoryFunc 函数适配 Factory
type FactoryFunc func(ctx context.Context, accountID string) (Browser, error)

// Create 实现 Factory
func (f FactoryFunc) Create(ctx context.Context, accountID string) (Browser, error) {
	return f(ctx, accountID)
}
