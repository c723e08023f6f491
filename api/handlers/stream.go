package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/pacegate/resilience/antidetect"
)

// AdjustmentSource 可订阅决策的来源，由 antidetect.Orchestrator 实现
type AdjustmentSource interface {
	Subscribe(l antidetect.Listener) (unsubscribe func())
}

// StreamConfig websocket 推送配置
type StreamConfig struct {
	// Buffer 每个连接的待发送队列，满时丢弃新决策
	Buffer int
	// WriteTimeout 单条消息写超时
	WriteTimeout time.Duration
	// PingInterval 心跳间隔，<=0 关闭心跳
	PingInterval time.Duration
	// OriginPatterns 允许的跨域来源，空表示只允许同源
	OriginPatterns []string
}

// DefaultStreamConfig 默认配置
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{Buffer: 64, WriteTimeout: 5 * time.Second, PingInterval: 30 * time.Second}
}

// StreamEvent 推送给客户端的消息
type StreamEvent struct {
	Type       string                 `json:"type"` // ready | adjustment
	Adjustment *antidetect.Adjustment `json:"adjustment,omitempty"`
	// Dropped 自上一条消息以来因队列满丢弃的决策数
	Dropped int64 `json:"dropped,omitempty"`
}

// StreamHandler GET /v1/stream/adjustments[?context=ID]
type StreamHandler struct {
	source  AdjustmentSource
	config  StreamConfig
	logger  *zap.Logger
	clients atomic.Int64
}

// NewStreamHandler 创建推送处理器
func NewStreamHandler(source AdjustmentSource, config StreamConfig, logger *zap.Logger) *StreamHandler {
	if config.Buffer <= 0 {
		config.Buffer = DefaultStreamConfig().Buffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultStreamConfig().WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{source: source, config: config, logger: logger.With(zap.String("component", "adjustment_stream"))}
}

// Clients 当前连接数
func (h *StreamHandler) Clients() int64 { return h.clients.Load() }

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 长连接不受服务端读写超时约束
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.config.OriginPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	filter := r.URL.Query().Get("context")
	events := make(chan antidetect.Adjustment, h.config.Buffer)
	var dropped atomic.Int64
	// 监听器在编排器的通知路径上同步执行，不能阻塞
	unsubscribe := h.source.Subscribe(func(adj antidetect.Adjustment) {
		if filter != "" && adj.ContextID != filter {
			return
		}
		select {
		case events <- adj:
		default:
			dropped.Add(1)
		}
	})
	defer unsubscribe()

	h.clients.Add(1)
	defer h.clients.Add(-1)
	h.logger.Info("决策订阅建立", zap.String("context_filter", filter), zap.String("remote", r.RemoteAddr))

	// 不接收客户端消息；对端关闭时 ctx 结束
	ctx := conn.CloseRead(r.Context())

	if err := h.write(ctx, conn, StreamEvent{Type: "ready"}); err != nil {
		return
	}

	var ping <-chan time.Time
	if h.config.PingInterval > 0 {
		t := time.NewTicker(h.config.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("决策订阅结束", zap.Error(context.Cause(ctx)))
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case adj := <-events:
			ev := StreamEvent{Type: "adjustment", Adjustment: &adj, Dropped: dropped.Swap(0)}
			if err := h.write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, ev StreamEvent) error {
	wctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
	defer cancel()
	err := wsjson.Write(wctx, conn, ev)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("决策推送失败", zap.Error(err))
		conn.Close(websocket.StatusPolicyViolation, "write failed")
	}
	return err
}
