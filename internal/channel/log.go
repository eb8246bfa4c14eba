package channel

import (
	"context"

	"go.uber.org/zap"
)

// Log writes deliveries to the structured log. It is the default for every kind.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.With(zap.String("component", "channel.log"))}
}

func (l *Log) Deliver(_ context.Context, d Delivery) error {
	l.logger.Info("deliver",
		zap.String("kind", d.Kind),
		zap.String("action_id", d.Action.ID),
		zap.String("priority", string(d.Action.Priority)),
		zap.String("text", d.Text()))
	return nil
}
