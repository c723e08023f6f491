package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// OTelSink 基于 OpenTelemetry Meter 的指标出口
type OTelSink struct {
	meter  metric.Meter
	filter labelFilter
	logger *zap.Logger

	counters   instrumentCache[Counter]
	histograms instrumentCache[Histogram]
}

// NewOTelSink 创建 OTel 指标出口。meter 通常来自 telemetry.Providers.Meter。
func NewOTelSink(meter metric.Meter, labelKeys []string, logger *zap.Logger) *OTelSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OTelSink{
		meter:  meter,
		filter: newLabelFilter(labelKeys),
		logger: logger.With(zap.String("component", "metrics_otel")),
	}
}

// CreateCounter 实现 Sink.CreateCounter
func (s *OTelSink) CreateCounter(name, description string) Counter {
	return s.counters.getOrCreate(name, func() Counter {
		c, err := s.meter.Float64Counter(name, metric.WithDescription(description))
		if err != nil {
			s.logger.Warn("otel counter creation failed", zap.String("name", name), zap.Error(err))
			return nopInstrument{}
		}
		return &otelCounter{c: c, sink: s}
	})
}

// CreateHistogram 实现 Sink.CreateHistogram
func (s *OTelSink) CreateHistogram(name, description string) Histogram {
	return s.histograms.getOrCreate(name, func() Histogram {
		h, err := s.meter.Float64Histogram(name, metric.WithDescription(description))
		if err != nil {
			s.logger.Warn("otel histogram creation failed", zap.String("name", name), zap.Error(err))
			return nopInstrument{}
		}
		return &otelHistogram{h: h, sink: s}
	})
}

func (s *OTelSink) attributes(in Labels) metric.MeasurementOption {
	kv := s.filter.apply(in)
	attrs := make([]attribute.KeyValue, 0, len(kv))
	for _, k := range s.filter.keys {
		if v := kv[k]; v != "" {
			attrs = append(attrs, attribute.String(k, v))
		}
	}
	return metric.WithAttributes(attrs...)
}

type otelCounter struct {
	c    metric.Float64Counter
	sink *OTelSink
}

func (c *otelCounter) Add(value float64, labels Labels) {
	if value < 0 {
		return
	}
	c.c.Add(context.Background(), value, c.sink.attributes(labels))
}

type otelHistogram struct {
	h    metric.Float64Histogram
	sink *OTelSink
}

func (h *otelHistogram) Record(value float64, labels Labels) {
	h.h.Record(context.Background(), value, h.sink.attributes(labels))
}
