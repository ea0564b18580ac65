package audit

import (
	"fmt"

	"go.uber.org/zap"
)

// ZapLogger writes audit events as structured log entries on the "audit"
// logger. It cannot be queried.
type ZapLogger struct {
	logger *zap.Logger
}

func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("audit")}
}

func (z *ZapLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return z.Record(Event{Action: action, Success: success, Metadata: metadata})
}

func (z *ZapLogger) Record(event Event) error {
	event = normalize(event)

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.Time("timestamp", event.Timestamp),
		zap.String("action", event.Action),
		zap.Bool("success", event.Success),
	}
	if event.Actor != "" {
		fields = append(fields, zap.String("actor", event.Actor))
	}
	if event.Target != "" {
		fields = append(fields, zap.String("target", event.Target))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	if event.Success {
		z.logger.Info("audit event", fields...)
	} else {
		z.logger.Warn("audit event", fields...)
	}
	return nil
}

func (z *ZapLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{}, fmt.Errorf("zap audit sink does not support queries")
}

func (z *ZapLogger) Close() error {
	// stderr sync fails with EINVAL on some platforms
	_ = z.logger.Sync()
	return nil
}
