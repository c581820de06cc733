package notifier

import (
	"context"
	"errors"
	"sort"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
)

// LogNotifier writes every event to the structured logger.
type LogNotifier struct {
	logger ports.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger ports.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event at a level matching its severity.
func (n *LogNotifier) Notify(ctx context.Context, event domain.Event) error {
	fields := ports.Fields(event.Fields, map[string]interface{}{
		"event":    string(event.Kind),
		"severity": string(event.Severity),
	})
	if event.Instrument != "" {
		fields["instrument"] = event.Instrument
	}
	if event.OrderID != "" {
		fields["orderID"] = event.OrderID
	}
	msg := event.Message
	if msg == "" {
		msg = string(event.Kind)
	}
	switch event.Severity {
	case domain.SeverityCritical, domain.SeverityWarning:
		n.logger.Warn(ctx, msg, fields)
	default:
		n.logger.Info(ctx, msg, fields)
	}
	return nil
}

// Multi fans an event out to several notifiers. Every sink is tried; the
// errors are joined.
type Multi []ports.Notifier

// Notify implements ports.Notifier.
func (m Multi) Notify(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
