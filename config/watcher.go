package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadFunc 配置文件变化且重新加载成功后调用
type ReloadFunc func(cfg *Config)

// Watcher 轮询配置文件的修改时间，变化后经 Loader 重新加载。
// 加载或校验失败时保留旧配置，只记录日志。
type Watcher struct {
	loader   *Loader
	logger   *zap.Logger
	interval time.Duration
	debounce time.Duration

	mu        sync.Mutex
	callbacks []ReloadFunc
	lastMod   time.Time
	current   *Config
	running   bool
	stop      chan struct{}
	done      chan struct{}
}

// WatcherOption 配置 Watcher
type WatcherOption func(*Watcher)

// WithPollInterval 轮询周期，默认 1s
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounceDelay 连续写入时的合并延迟，默认 100ms
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher 创建监听器，loader 必须设置了配置文件路径
func NewWatcher(loader *Loader, current *Config, opts ...WatcherOption) (*Watcher, error) {
	if loader == nil || loader.ConfigPath() == "" {
		return nil, errors.New("config watcher requires a loader with a config path")
	}
	w := &Watcher{
		loader:   loader,
		logger:   zap.NewNop(),
		interval: time.Second,
		debounce: 100 * time.Millisecond,
		current:  current,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))
	if info, err := os.Stat(loader.ConfigPath()); err == nil {
		w.lastMod = info.ModTime()
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", loader.ConfigPath(), err)
	}
	return w, nil
}

// OnReload 注册回调
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current 最近一次成功加载的配置
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start 启动轮询，ctx 结束或 Stop 时退出
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher already running")
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)
	w.logger.Info("配置文件监听已启动",
		zap.String("path", w.loader.ConfigPath()),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop 停止轮询并等待退出
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()
	<-done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if w.changed() && pending == nil {
				pending = time.After(w.debounce)
			}
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

// changed 修改时间前进时返回 true
func (w *Watcher) changed() bool {
	info, err := os.Stat(w.loader.ConfigPath())
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !info.ModTime().After(w.lastMod) {
		return false
	}
	w.lastMod = info.ModTime()
	return true
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Warn("配置重新加载失败，保留旧配置", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("配置已重新加载", zap.String("path", w.loader.ConfigPath()))
	for _, cb := range callbacks {
		cb(cfg)
	}
}
