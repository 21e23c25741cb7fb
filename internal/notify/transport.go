package notify

import (
	"context"
	"log/slog"
)

// Message is a fully resolved notification ready for transport.
type Message struct {
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Transport performs the actual send of a resolved message. SMTP, an
// external mail API, or a chat webhook all fit behind this. Send must
// respect ctx cancellation; a timeout counts as a delivery failure.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// LogTransport writes messages to the log instead of sending them.
// Used in local development and as the default when no real transport
// is configured.
type LogTransport struct {
	Logger *slog.Logger
}

func (t *LogTransport) Send(_ context.Context, msg Message) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail transport (log only)",
		"to", msg.To,
		"subject", msg.Subject,
		"body_bytes", len(msg.Body),
		"attachments", len(msg.Attachments),
	)
	return nil
}
