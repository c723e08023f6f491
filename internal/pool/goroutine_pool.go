// Package pool 提供有界的后台任务池，用于不阻塞决策路径的异步 I/O。
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task 一个后台任务
type Task func(ctx context.Context) error

// Config 任务池配置
type Config struct {
	MaxWorkers  int           `yaml:"max_workers" env:"MAX_WORKERS"`
	QueueSize   int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// TaskTimeout 单个任务的执行上限，0 表示不限
	TaskTimeout time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  8,
		QueueSize:   1024,
		IdleTimeout: 60 * time.Second,
		TaskTimeout: 10 * time.Second,
	}
}

// GoroutinePool 按需扩容、空闲回收的 worker 池。
// 任务在 worker 中用独立于提交方的 context 执行，提交方返回后任务继续。
type GoroutinePool struct {
	config Config
	logger *zap.Logger

	taskQueue   chan namedTask
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	closeOnce   sync.Once
	wg          sync.WaitGroup
	mu          sync.RWMutex // 保护 taskQueue 的发送与关闭

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type namedTask struct {
	name string
	task Task
}

// Stats 任务池统计
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// NewGoroutinePool 创建任务池
func NewGoroutinePool(config Config, logger *zap.Logger) *GoroutinePool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = def.MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	return &GoroutinePool{
		config:    config,
		logger:    logger.With(zap.String("component", "goroutine_pool")),
		taskQueue: make(chan namedTask, config.QueueSize),
	}
}

// Submit 非阻塞提交，队列满时返回 ErrPoolFull
func (p *GoroutinePool) Submit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	select {
	case p.taskQueue <- namedTask{name: name, task: task}:
		p.ensureWorker()
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// Go 提交即忘，失败只记录日志
func (p *GoroutinePool) Go(name string, task Task) {
	if err := p.Submit(name, task); err != nil {
		p.logger.Warn("后台任务被拒绝", zap.String("task", name), zap.Error(err))
	}
}

func (p *GoroutinePool) ensureWorker() {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.config.MaxWorkers) {
			return
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()

	timer := time.NewTimer(p.config.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case t, ok := <-p.taskQueue:
			if !ok {
				p.workerCount.Add(-1)
				return
			}
			p.activeCount.Add(1)
			err := p.run(t)
			p.activeCount.Add(-1)

			if err != nil {
				p.failed.Add(1)
				p.logger.Warn("后台任务失败", zap.String("task", t.name), zap.Error(err))
			} else {
				p.completed.Add(1)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.config.IdleTimeout)

		case <-timer.C:
			// 空闲超时，至少保留一个 worker
			if c := p.workerCount.Load(); c > 1 && p.workerCount.CompareAndSwap(c, c-1) {
				return
			}
			timer.Reset(p.config.IdleTimeout)
		}
	}
}

func (p *GoroutinePool) run(t namedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("后台任务 panic", zap.String("task", t.name), zap.Any("panic", r))
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()

	ctx := context.Background()
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}
	return t.task(ctx)
}

// Close 停止接收新任务，并等待已排队任务执行完毕或 ctx 到期
func (p *GoroutinePool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed.Store(true)
		close(p.taskQueue)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 返回统计信息
func (p *GoroutinePool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
