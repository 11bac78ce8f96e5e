// README: Sink that writes every notification to the structured log.
package notify

import (
	"context"

	"go.uber.org/zap"
)

type LogSink struct {
	events
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	s := &LogSink{log: log.Named("notify")}
	s.events = newEvents(s.Publish)
	return s
}

func (s *LogSink) Publish(_ context.Context, e Event) error {
	fields := []zap.Field{zap.String("type", e.Type), zap.String("ride_id", string(e.RideID))}
	if e.Recipient != "" {
		fields = append(fields, zap.String("recipient", string(e.Recipient)))
	}
	if e.Status != "" {
		fields = append(fields, zap.String("status", string(e.Status)))
	}
	if e.Actor != nil {
		fields = append(fields, zap.Stringer("actor", e.Actor))
	}
	s.log.Info("ride notification", fields...)
	return nil
}
