// Package notifier delivers domain events to alert sinks.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
)

// Embed colors per severity.
const (
	colorInfo     = 0x3498db
	colorWarning  = 0xf1c40f
	colorCritical = 0xe74c3c
)

// DiscordConfig configures the webhook sink.
type DiscordConfig struct {
	WebhookURL  string
	MinSeverity domain.Severity // Events below this are dropped; default warning
	QueueSize   int
	MaxAttempts int
	Timeout     time.Duration
	RetryDelay  time.Duration // First backoff delay between attempts
	Username    string
}

// DiscordNotifier posts events to a Discord webhook from a background worker.
// Notify never blocks on the network; a full queue drops the event.
type DiscordNotifier struct {
	cfg    DiscordConfig
	client *http.Client
	logger ports.Logger
	queue  chan domain.Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDiscordNotifier starts the delivery worker. Close stops it after the queue drains.
func NewDiscordNotifier(cfg DiscordConfig, logger ports.Logger) (*DiscordNotifier, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("discord webhook url is required: %w", ports.ErrConfigurationError)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for discord notifier: %w", ports.ErrConfigurationError)
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = domain.SeverityWarning
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Username == "" {
		cfg.Username = "signalTrader"
	}
	d := &DiscordNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		queue:  make(chan domain.Event, cfg.QueueSize),
	}
	d.wg.Add(1)
	go d.run()
	return d, nil
}

// Notify queues the event for delivery.
func (d *DiscordNotifier) Notify(ctx context.Context, event domain.Event) error {
	if rank(event.Severity) < rank(d.cfg.MinSeverity) {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil
	}
	select {
	case d.queue <- event:
		return nil
	default:
		d.logger.Warn(ctx, "Discord queue full, dropping event", map[string]interface{}{"kind": event.Kind})
		return fmt.Errorf("discord queue full: %w", ports.ErrRateLimited)
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (d *DiscordNotifier) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *DiscordNotifier) run() {
	defer d.wg.Done()
	for event := range d.queue {
		if err := d.deliver(event); err != nil {
			d.logger.Error(context.Background(), err, "Failed to deliver Discord alert", map[string]interface{}{
				"kind": event.Kind, "orderID": event.OrderID,
			})
		}
	}
}

func (d *DiscordNotifier) deliver(event domain.Event) error {
	data, err := json.Marshal(payload(d.cfg.Username, event))
	if err != nil {
		return fmt.Errorf("encode discord payload: %w", err)
	}

	b := &backoff.Backoff{Min: d.cfg.RetryDelay, Max: 20 * d.cfg.RetryDelay, Factor: 2}
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		retry, err := d.post(data)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		if attempt < d.cfg.MaxAttempts {
			time.Sleep(b.Duration())
		}
	}
	return lastErr
}

// post sends one request; the bool reports whether a retry makes sense.
func (d *DiscordNotifier) post(data []byte) (bool, error) {
	resp, err := d.client.Post(d.cfg.WebhookURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return true, fmt.Errorf("post discord webhook: %w: %w", ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("discord returned status %d: %w", resp.StatusCode, ports.ErrRateLimited)
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("discord returned status %d: %w", resp.StatusCode, ports.ErrExchangeUnavailable)
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("discord returned status %d: %w", resp.StatusCode, ports.ErrInvalidRequest)
	}
	return false, nil
}

func payload(username string, event domain.Event) map[string]interface{} {
	ts := event.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	fields := make([]map[string]interface{}, 0, len(event.Fields)+2)
	if event.Instrument != "" {
		fields = append(fields, map[string]interface{}{"name": "instrument", "value": event.Instrument, "inline": true})
	}
	if event.OrderID != "" {
		fields = append(fields, map[string]interface{}{"name": "order", "value": event.OrderID, "inline": true})
	}
	for _, k := range sortedKeys(event.Fields) {
		fields = append(fields, map[string]interface{}{"name": k, "value": fmt.Sprint(event.Fields[k]), "inline": true})
	}
	return map[string]interface{}{
		"username": username,
		"embeds": []map[string]interface{}{
			{
				"title":       string(event.Kind),
				"description": event.Message,
				"color":       color(event.Severity),
				"fields":      fields,
				"footer":      map[string]string{"text": "signalTrader | " + string(event.Severity)},
				"timestamp":   ts.UTC().Format(time.RFC3339),
			},
		},
	}
}

func color(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return colorCritical
	case domain.SeverityWarning:
		return colorWarning
	default:
		return colorInfo
	}
}

func rank(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 2
	case domain.SeverityWarning:
		return 1
	default:
		return 0
	}
}
