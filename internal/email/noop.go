package email

import (
	"context"

	"go.uber.org/zap"
)

// NoopSender logs mail instead of delivering it. Used when no SMTP host is
// configured.
type NoopSender struct {
	logger *zap.Logger
}

// NewNoopSender creates a NoopSender.
func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

// Send logs msg and returns nil.
func (n *NoopSender) Send(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	}
	for k, v := range msg.Headers {
		fields = append(fields, zap.String("header."+k, v))
	}
	n.logger.Info("email not sent (no SMTP host configured)", fields...)
	return nil
}
