package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 Prometheus 指标出口
// =============================================================================

// PrometheusSink 基于注入的 prometheus.Registerer 创建指标，不使用全局默认注册表
type PrometheusSink struct {
	registerer prometheus.Registerer
	namespace  string
	filter     labelFilter
	logger     *zap.Logger

	counters   instrumentCache[*promCounter]
	histograms instrumentCache[*promHistogram]
}

// NewPrometheusSink 创建 Prometheus 指标出口
func NewPrometheusSink(reg prometheus.Registerer, namespace string, labelKeys []string, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &PrometheusSink{
		registerer: reg,
		namespace:  namespace,
		filter:     newLabelFilter(labelKeys),
		logger:     logger.With(zap.String("component", "metrics")),
	}
	s.logger.Info("metrics sink initialized",
		zap.String("namespace", namespace),
		zap.Strings("label_keys", s.filter.keys),
	)
	return s
}

// CreateCounter 实现 Sink.CreateCounter
func (s *PrometheusSink) CreateCounter(name, description string) Counter {
	return s.counters.getOrCreate(name, func() *promCounter {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      description,
		}, s.filter.keys)
		if err := s.registerer.Register(vec); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					vec = existing
				}
			} else {
				s.logger.Warn("counter registration failed", zap.String("name", name), zap.Error(err))
			}
		}
		return &promCounter{vec: vec, sink: s}
	})
}

// CreateHistogram 实现 Sink.CreateHistogram
func (s *PrometheusSink) CreateHistogram(name, description string) Histogram {
	return s.histograms.getOrCreate(name, func() *promHistogram {
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      description,
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, s.filter.keys)
		if err := s.registerer.Register(vec); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
					vec = existing
				}
			} else {
				s.logger.Warn("histogram registration failed", zap.String("name", name), zap.Error(err))
			}
		}
		return &promHistogram{vec: vec, sink: s}
	})
}

func (s *PrometheusSink) labels(in Labels) prometheus.Labels {
	if dropped := s.filter.dropped(in); len(dropped) > 0 {
		s.logger.Debug("dropping labels outside allow-list", zap.Strings("keys", dropped))
	}
	return prometheus.Labels(s.filter.apply(in))
}

type promCounter struct {
	vec  *prometheus.CounterVec
	sink *PrometheusSink
}

func (c *promCounter) Add(value float64, labels Labels) {
	// Counter 不允许负数
	if value < 0 {
		return
	}
	c.vec.With(c.sink.labels(labels)).Add(value)
}

type promHistogram struct {
	vec  *prometheus.HistogramVec
	sink *PrometheusSink
}

func (h *promHistogram) Record(value float64, labels Labels) {
	h.vec.With(h.sink.labels(labels)).Observe(value)
}
