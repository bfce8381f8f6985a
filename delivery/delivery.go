// Package delivery sends one-time login codes to users out of band.
//
// Delivery is fire-and-forget from the provider's point of view: a failed
// Send is logged and audited by the caller and never retried.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Sender delivers a message to a destination such as an email address.
type Sender interface {
	Send(ctx context.Context, destination, message string) error
}

// Func adapts a function to the Sender interface.
type Func func(ctx context.Context, destination, message string) error

// Send calls f.
func (f Func) Send(ctx context.Context, destination, message string) error {
	return f(ctx, destination, message)
}

// WriterSender writes every message to an io.Writer. It is meant for local
// development, where the code is read from the terminal.
type WriterSender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSender creates a sender that writes to w.
func NewWriterSender(w io.Writer) *WriterSender {
	return &WriterSender{w: w}
}

// Send writes one line per message.
func (s *WriterSender) Send(_ context.Context, destination, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "to=%s %s\n", destination, message); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Discard drops every message.
var Discard Sender = Func(func(context.Context, string, string) error { return nil })

// Multi sends to every sender and joins their errors.
func Multi(senders ...Sender) Sender {
	return Func(func(ctx context.Context, destination, message string) error {
		var errs []error
		for _, s := range senders {
			if err := s.Send(ctx, destination, message); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Logging wraps a sender and logs each delivery without its content.
func Logging(next Sender, logger *slog.Logger) Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return Func(func(ctx context.Context, destination, message string) error {
		err := next.Send(ctx, destination, message)
		if err != nil {
			logger.WarnContext(ctx, "Message delivery failed", "error", err)
			return err
		}
		logger.DebugContext(ctx, "Message delivered")
		return nil
	})
}

var (
	_ Sender = Func(nil)
	_ Sender = (*WriterSender)(nil)
)
