package notify

import (
	"context"
	"fmt"
)

// Notifier delivers a single operator message
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Logger is the subset of the logging API needed to report swallowed failures
type Logger interface {
	Warn(format string, args ...any)
}

// BestEffort sends a milestone notification. A failure is logged and dropped so that it
// can never abort the backup itself.
func BestEffort(ctx context.Context, n Notifier, log Logger, subject, body string) {
	if err := n.Send(ctx, subject, body); err != nil && log != nil {
		log.Warn("notification %q failed: %v", subject, err)
	}
}

// Must sends the final outcome notification and reports its failure to the caller
func Must(ctx context.Context, n Notifier, subject, body string) error {
	if err := n.Send(ctx, subject, body); err != nil {
		return fmt.Errorf("send notification %q: %w", subject, err)
	}
	return nil
}

// Nop discards every notification; used when no mail server is configured
type Nop struct{}

func (Nop) Send(context.Context, string, string) error { return nil }
