package domain

import "time"

// EventKind names a structured event exposed to alerting collaborators.
type EventKind string

const (
	EventOrderCreated            EventKind = "order_created"
	EventOrderSubmitted          EventKind = "order_submitted"
	EventOrderFilled             EventKind = "order_filled"
	EventOrderRejected           EventKind = "order_rejected"
	EventOrderCanceled           EventKind = "order_canceled"
	EventOrderExpired            EventKind = "order_expired"
	EventBalanceAnomaly          EventKind = "balance_anomaly"
	EventPositionAnomaly         EventKind = "position_anomaly"
	EventReconciliationCompleted EventKind = "reconciliation_completed"
	EventSignalSkipped           EventKind = "signal_skipped"
)

// Severity grades events for sinks that filter (e.g., webhooks).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a structured notification about the trading core.
type Event struct {
	Kind       EventKind
	Severity   Severity
	Instrument string
	OrderID    string
	Message    string
	Fields     map[string]interface{}
	Time       time.Time
}
