// Package signalcsv replays signals from a CSV file.
//
// The header names the columns; id, instrument and direction are required.
// Optional columns: strength, size, notional, limit_price, stop_loss,
// take_profit, source, received_at (RFC3339) and batch. Consecutive rows sharing a batch value are
// delivered together; without a batch column every row is its own batch.
package signalcsv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
)

var required = []string{"id", "instrument", "direction"}

// Source implements ports.SignalSource over a CSV stream.
type Source struct {
	r        *csv.Reader
	closer   io.Closer
	columns  map[string]int
	interval time.Duration

	pending    *row  // First row of the next batch, read ahead
	pendingErr error // Bad row met after a batch was already collected
	started    bool
}

type row struct {
	batch  string
	signal domain.Signal
}

// Open opens a CSV file. interval paces batches after the first one.
func Open(path string, interval time.Duration) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open signals file %s: %w: %w", path, ports.ErrConfigurationError, err)
	}
	s, err := New(f, interval)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// New reads signals from r.
func New(r io.Reader, interval time.Duration) (*Source, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read signals header: %w: %w", ports.ErrInvalidRequest, err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("signals header lacks column %q: %w", name, ports.ErrInvalidRequest)
		}
	}
	return &Source{r: cr, columns: columns, interval: interval}, nil
}

// Next returns the next batch, or io.EOF when the file is exhausted.
// A malformed row is reported as an error wrapping ErrInvalidSignal; the
// following call continues after it.
func (s *Source) Next(ctx context.Context) ([]domain.Signal, error) {
	if err := s.pendingErr; err != nil {
		s.pendingErr = nil
		return nil, err
	}
	if s.started && s.interval > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.interval):
		}
	}
	s.started = true

	var batch []domain.Signal
	var key string
	if s.pending != nil {
		batch = append(batch, s.pending.signal)
		key = s.pending.batch
		s.pending = nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := s.read()
		if errors.Is(err, io.EOF) {
			if len(batch) == 0 {
				return nil, io.EOF
			}
			return batch, nil
		}
		if err != nil {
			if len(batch) > 0 {
				s.pendingErr = err
				return batch, nil
			}
			return nil, err
		}
		if len(batch) == 0 {
			batch = append(batch, r.signal)
			key = r.batch
			if key == "" {
				return batch, nil
			}
			continue
		}
		if r.batch == "" || r.batch != key {
			s.pending = r
			return batch, nil
		}
		batch = append(batch, r.signal)
	}
}

// Close releases the underlying file, if any.
func (s *Source) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *Source) read() (*row, error) {
	rec, err := s.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %w", ports.ErrInvalidSignal, err)
	}
	r, err := s.parse(rec)
	if err != nil {
		line, _ := s.r.FieldPos(0)
		return nil, fmt.Errorf("line %d: %w", line, err)
	}
	return r, nil
}

func (s *Source) field(rec []string, name string) string {
	i, ok := s.columns[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (s *Source) parse(rec []string) (*row, error) {
	sig := domain.Signal{
		ID:         s.field(rec, "id"),
		Instrument: strings.ToUpper(s.field(rec, "instrument")),
		Direction:  domain.Direction(strings.ToLower(s.field(rec, "direction"))),
		Source:     s.field(rec, "source"),
	}
	if sig.Source == "" {
		sig.Source = "csv"
	}

	numbers := []struct {
		column string
		dst    *float64
	}{
		{"strength", &sig.Strength},
		{"size", &sig.Size},
		{"notional", &sig.Notional},
		{"limit_price", &sig.LimitPrice},
		{"stop_loss", &sig.StopLoss},
		{"take_profit", &sig.TakeProfit},
	}
	for _, n := range numbers {
		raw := s.field(rec, n.column)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s %q: %w", n.column, raw, ports.ErrInvalidSignal)
		}
		*n.dst = v
	}
	if raw := s.field(rec, "received_at"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("column received_at %q: %w", raw, ports.ErrInvalidSignal)
		}
		sig.ReceivedAt = at
	}
	return &row{batch: s.field(rec, "batch"), signal: sig}, nil
}

var _ ports.SignalSource = (*Source)(nil)
