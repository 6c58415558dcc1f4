package anomaly

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Sink receives the alerts of one detection cycle.
type Sink interface {
	Emit(ctx context.Context, alerts []Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, alerts []Alert) error

func (f SinkFunc) Emit(ctx context.Context, alerts []Alert) error {
	return f(ctx, alerts)
}

// LogSink writes each alert as a structured log line.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Emit(_ context.Context, alerts []Alert) error {
	logger := s.Logger
	if logger == nil {
		return nil
	}
	for _, a := range alerts {
		fields := []zap.Field{
			zap.String("alert_id", a.ID),
			zap.String("type", string(a.Type)),
			zap.String("segment", a.Segment.String()),
			zap.String("direction", string(a.Direction)),
			zap.String("severity", string(a.Severity)),
			zap.Float64("current", a.Current),
			zap.Float64("baseline_mean", a.Baseline.Mean),
		}
		if a.Type == TypeConversionRate {
			fields = append(fields, zap.Float64("z_score", a.ZScore))
		} else {
			fields = append(fields, zap.Float64("ratio", a.Ratio))
		}
		if a.Severity == SeverityCritical {
			logger.Error(a.Message, fields...)
		} else {
			logger.Warn(a.Message, fields...)
		}
	}
	return nil
}

// MultiSink fans alerts out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, alerts []Alert) error {
	var errList []error
	for _, s := range m {
		if err := s.Emit(ctx, alerts); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
