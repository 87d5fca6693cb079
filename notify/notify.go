// Package notify provides commission.NotificationSink implementations.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
)

// LogSink writes every notification as a structured log line.
type LogSink struct {
	Logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Notify(_ context.Context, n commission.Notification) error {
	s.Logger.Info(n.Message,
		zap.String("earner_id", string(n.EarnerID)),
		zap.String("amount", n.Amount.StringFixed(commission.MoneyPlaces)),
	)
	return nil
}

// Recorder keeps every notification in memory. Err, when set, is returned
// from Notify after the notification is recorded.
type Recorder struct {
	mu   sync.Mutex
	sent []commission.Notification
	Err  error
}

func (r *Recorder) Notify(_ context.Context, n commission.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.Err
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []commission.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]commission.Notification(nil), r.sent...)
}

// Fanout delivers to every sink and returns the first error.
type Fanout []commission.NotificationSink

func (f Fanout) Notify(ctx context.Context, n commission.Notification) error {
	var first error
	for _, sink := range f {
		if err := sink.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
