package statusmessage

import (
	"context"
	"log/slog"
)

// LogPublisher writes status messages to the log when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, msg Message) error {
	p.logger.InfoContext(ctx, "connection status message",
		"permission_id", msg.PermissionID.String(),
		"connection_id", string(msg.ConnectionID),
		"status", string(msg.Status),
		"message", msg.Message,
	)
	return nil
}
