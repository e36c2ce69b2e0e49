package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes notifications to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink that logs at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (*LogSink) Name() string { return "log" }

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	}
	if n.URL != "" {
		fields = append(fields, zap.String("url", n.URL))
	}
	if n.Event != nil {
		fields = append(fields,
			zap.String("event_id", n.Event.ID),
			zap.Int64("collection_id", n.Event.CollectionID))
	}
	s.logger.Info("notification", fields...)
	return nil
}
