package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress"
)

// LogSink writes progress events as structured logs. Failed items and failed
// runs are logged at warn, everything else at info.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageItemDone:
			fields = append(fields,
				zap.String("group", evt.Group),
				zap.String("key", evt.Key),
				zap.String("status", string(evt.Status)),
				zap.Int("tasks", evt.Tasks),
				zap.Int("task_failures", evt.TaskFailures),
				zap.Duration("duration", evt.Dur),
			)
			if evt.Status == progress.ItemFailed {
				level = zapcore.WarnLevel
			}
		case progress.StageRunDone, progress.StageRunError:
			fields = append(fields, zap.Int("items", evt.Items), zap.Duration("duration", evt.Dur))
			if evt.Stage == progress.StageRunError {
				level = zapcore.WarnLevel
			}
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if ce := s.logger.Check(level, "progress event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
