package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/coldbrook/crawlgate/internal/telemetry"
)

// LogSink emits structured logs for kernel event streams. It is useful during
// development or audits where no metrics backend is available.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []telemetry.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.String("domain", evt.Domain),
			zap.String("tier", evt.Tier.String()),
		}
		switch evt.Kind {
		case telemetry.KindTaskOutcome:
			fields = append(fields,
				zap.String("outcome", evt.Outcome.String()),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
				zap.Bool("headless", evt.Headless),
			)
		case telemetry.KindAdmissionDrop:
			fields = append(fields, zap.String("reason", string(evt.Reject)))
		case telemetry.KindBreakerChange:
			fields = append(fields, zap.String("from", evt.From), zap.String("to", evt.To))
		case telemetry.KindMemoryPause:
			fields = append(fields, zap.Bool("paused", evt.Paused))
		}
		s.logger.Info("kernel event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
