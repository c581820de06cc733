package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// memRepo is an in-memory ports.OrderRepository.
type memRepo struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	fills  map[string][]domain.Fill
	saves  int
	fail   error
}

func newMemRepo() *memRepo {
	return &memRepo{orders: make(map[string]*domain.Order), fills: make(map[string][]domain.Fill)}
}

func (r *memRepo) Save(ctx context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	c := o.Clone()
	c.FillIDs = nil
	r.orders[o.ID] = c
	r.saves++
	return nil
}

func (r *memRepo) AppendFill(ctx context.Context, orderID string, f domain.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.fills[orderID] {
		if existing.FillID == f.FillID {
			return ports.ErrDuplicateEntry
		}
	}
	r.fills[orderID] = append(r.fills[orderID], f)
	return nil
}

func (r *memRepo) LoadAll(ctx context.Context) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Order, 0, len(r.orders))
	for _, o := range r.orders {
		c := o.Clone()
		out = append(out, c)
	}
	return out, nil
}

func (r *memRepo) FindBySignalID(ctx context.Context, signalID string) (*domain.Order, error) {
	return nil, nil
}

func (r *memRepo) FindByExchangeID(ctx context.Context, exchangeOrderID string) (*domain.Order, error) {
	return nil, nil
}

func (r *memRepo) FillsFor(ctx context.Context, orderID string) ([]domain.Fill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Fill(nil), r.fills[orderID]...), nil
}

func (r *memRepo) Close() error { return nil }

func pending(signalID string, qty float64) PendingOrder {
	return PendingOrder{
		SignalID:   signalID,
		Instrument: "ETHUSDT",
		Side:       domain.Buy,
		Quantity:   qty,
		Price:      domain.MarketPrice(),
		Leverage:   2,
	}
}

func fill(id string, qty, price, cumulative float64) domain.Fill {
	return domain.Fill{FillID: id, Quantity: qty, Price: price, CumulativeQuantity: cumulative}
}

func TestLedger_CreatePending(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	l := New(repo, &mockLogger{})

	o, err := l.CreatePending(ctx, pending("sig-1", 10))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Len(t, o.ID, 36)
	assert.Equal(t, o.ID, o.ClientOrderID())
	assert.Contains(t, repo.orders, o.ID)

	_, err = l.CreatePending(ctx, pending("sig-1", 5))
	assert.ErrorIs(t, err, ports.ErrDuplicateSignal)

	got, ok := l.BySignal("sig-1")
	require.True(t, ok)
	assert.Equal(t, o.ID, got.ID)
}

func TestLedger_CreatePendingValidation(t *testing.T) {
	l := New(nil, &mockLogger{})
	tests := []struct {
		name string
		in   PendingOrder
	}{
		{"missing signal", PendingOrder{Instrument: "X", Side: domain.Buy, Quantity: 1}},
		{"missing instrument", PendingOrder{SignalID: "s", Side: domain.Buy, Quantity: 1}},
		{"zero quantity", PendingOrder{SignalID: "s", Instrument: "X", Side: domain.Buy}},
		{"bad side", PendingOrder{SignalID: "s", Instrument: "X", Side: "HOLD", Quantity: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.CreatePending(context.Background(), tt.in)
			assert.ErrorIs(t, err, ports.ErrInvalidRequest)
		})
	}
	assert.Empty(t, l.Snapshot())
}

func TestLedger_CreatePendingPersistFailureCreatesNothing(t *testing.T) {
	repo := newMemRepo()
	repo.fail = ports.ErrDBConnection
	l := New(repo, &mockLogger{})

	_, err := l.CreatePending(context.Background(), pending("sig-1", 1))
	assert.ErrorIs(t, err, ports.ErrDBConnection)
	_, ok := l.BySignal("sig-1")
	assert.False(t, ok)
}

func TestLedger_ConcurrentCreatePendingSameSignal(t *testing.T) {
	l := New(newMemRepo(), &mockLogger{})
	const workers = 64

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dups    int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := l.CreatePending(context.Background(), pending("sig-race", 1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ports.ErrDuplicateSignal):
				dups++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, dups)
	assert.Len(t, l.Snapshot(), 1)
}

func TestLedger_AcknowledgmentIndexesExchangeID(t *testing.T) {
	ctx := context.Background()
	l := New(nil, &mockLogger{})
	o, err := l.CreatePending(ctx, pending("sig-1", 1))
	require.NoError(t, err)

	acked, err := l.RecordAcknowledgment(ctx, o.ID, "9001")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, acked.Status)

	byEx, ok := l.ByExchangeID("9001")
	require.True(t, ok)
	assert.Equal(t, o.ID, byEx.ID)

	// A second acknowledgment is harmless.
	again, err := l.RecordAcknowledgment(ctx, o.ID, "9001")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, again.Status)

	_, err = l.RecordAcknowledgment(ctx, "nope", "1")
	assert.ErrorIs(t, err, ports.ErrUnknownOrder)
}

func TestLedger_FilledQuantityMonotoneAndCapped(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		l := New(nil, &mockLogger{})
		o, err := l.CreatePending(ctx, pending(fmt.Sprintf("sig-%d", trial), 10))
		require.NoError(t, err)

		last := 0.0
		for i := 0; i < 30; i++ {
			qty := float64(rng.Intn(400)+1) / 100
			out, err := l.RecordFill(ctx, o.ID, fill(fmt.Sprintf("t%d", i), qty, 100+float64(i), 0))
			if err != nil {
				// Fills after FILLED are silent no-ops, never errors.
				t.Fatalf("trial %d fill %d: %v", trial, i, err)
			}
			assert.GreaterOrEqual(t, out.Order.FilledQuantity, last)
			assert.LessOrEqual(t, out.Order.FilledQuantity, o.Quantity)
			last = out.Order.FilledQuantity
		}
		final, _ := l.Get(o.ID)
		assert.Equal(t, domain.StatusFilled, final.Status)
		assert.Equal(t, 10.0, final.FilledQuantity)
	}
}

func TestLedger_RecordFillAveragesAndTransitions(t *testing.T) {
	ctx := context.Background()
	l := New(newMemRepo(), &mockLogger{})
	o, _ := l.CreatePending(ctx, pending("sig-1", 4))
	_, _ = l.RecordAcknowledgment(ctx, o.ID, "77")

	out, err := l.RecordFill(ctx, o.ID, fill("a", 1, 100, 1))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, domain.StatusSubmitted, out.Previous)
	assert.Equal(t, domain.StatusPartiallyFilled, out.Order.Status)

	out, err = l.RecordFill(ctx, o.ID, fill("b", 3, 200, 4))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, domain.StatusFilled, out.Order.Status)
	assert.InDelta(t, 175.0, out.Order.AverageFillPrice, 1e-9)
	assert.Equal(t, 4.0, out.Fill.CumulativeQuantity)
	assert.Len(t, l.Fills(o.ID), 2)
}

func TestLedger_DuplicateFillIsNoOp(t *testing.T) {
	ctx := context.Background()
	l := New(nil, &mockLogger{})
	o, _ := l.CreatePending(ctx, pending("sig-1", 10))

	first, err := l.RecordFill(ctx, o.ID, fill("trade-1", 4, 50, 4))
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := l.RecordFill(ctx, o.ID, fill("trade-1", 4, 50, 4))
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, 4.0, second.Order.FilledQuantity)
	assert.Len(t, l.Fills(o.ID), 1)
}

func TestLedger_CumulativeGuardAcrossFillIDs(t *testing.T) {
	ctx := context.Background()
	l := New(nil, &mockLogger{})
	o, _ := l.CreatePending(ctx, pending("sig-1", 10))

	// Reconciliation caught up first under its own id.
	out, err := l.RecordFill(ctx, o.ID, fill("recon:1:6", 6, 100, 6))
	require.NoError(t, err)
	require.True(t, out.Applied)

	// The push notifications for the same executions arrive late.
	out, err = l.RecordFill(ctx, o.ID, fill("t1", 6, 100, 6))
	require.NoError(t, err)
	assert.False(t, out.Applied)

	// Partial overlap only applies the uncovered part.
	out, err = l.RecordFill(ctx, o.ID, fill("t2", 3, 110, 8))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.InDelta(t, 2.0, out.Fill.Quantity, 1e-12)
	assert.InDelta(t, 8.0, out.Order.FilledQuantity, 1e-12)
}

func TestLedger_TradesInAnyOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		fills      []domain.Fill
		wantFilled float64
		wantStatus domain.OrderStatus
	}{
		{
			name:       "later trade first",
			fills:      []domain.Fill{fill("trade-2", 5, 100, 10), fill("trade-1", 5, 100, 5)},
			wantFilled: 10,
			wantStatus: domain.StatusFilled,
		},
		{
			name:       "middle trade last",
			fills:      []domain.Fill{fill("t1", 2, 100, 2), fill("t3", 3, 100, 10), fill("t2", 5, 100, 7)},
			wantFilled: 10,
			wantStatus: domain.StatusFilled,
		},
		{
			name:       "gap stays open",
			fills:      []domain.Fill{fill("t1", 2, 100, 2), fill("t3", 3, 100, 10)},
			wantFilled: 5,
			wantStatus: domain.StatusPartiallyFilled,
		},
		{
			name: "catch-up after a gap only adds the gap",
			fills: []domain.Fill{
				fill("t3", 3, 100, 10),
				{FillID: "recon:1:10", Quantity: 7, Price: 100, CumulativeQuantity: 10, Aggregate: true},
				fill("t1", 2, 100, 2),
			},
			wantFilled: 10,
			wantStatus: domain.StatusFilled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(nil, &mockLogger{})
			o, err := l.CreatePending(ctx, pending("sig-1", 10))
			require.NoError(t, err)
			for _, f := range tt.fills {
				_, err := l.RecordFill(ctx, o.ID, f)
				require.NoError(t, err)
			}
			got, _ := l.Get(o.ID)
			assert.InDelta(t, tt.wantFilled, got.FilledQuantity, 1e-12)
			assert.Equal(t, tt.wantStatus, got.Status)
		})
	}
}

func TestLedger_SeenFillIDsArePersisted(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	l := New(repo, &mockLogger{})
	o, _ := l.CreatePending(ctx, pending("sig-1", 4))

	_, err := l.RecordFill(ctx, o.ID, domain.Fill{FillID: "ack:1:4", Quantity: 4, Price: 10, CumulativeQuantity: 4, Aggregate: true})
	require.NoError(t, err)
	out, err := l.RecordFill(ctx, o.ID, fill("t1", 4, 10, 4))
	require.NoError(t, err)
	assert.False(t, out.Applied)

	ids := make([]string, 0)
	for _, f := range repo.fills[o.ID] {
		ids = append(ids, f.FillID)
	}
	assert.Equal(t, []string{"ack:1:4", "t1"}, ids)
	assert.Zero(t, repo.fills[o.ID][1].Quantity)

	restored := New(repo, &mockLogger{})
	_, err = restored.Restore(ctx)
	require.NoError(t, err)
	got, _ := restored.Get(o.ID)
	assert.Contains(t, got.FillIDs, "t1")
	assert.Len(t, restored.Fills(o.ID), 1)
}

func TestLedger_ConcurrentDuplicateFills(t *testing.T) {
	ctx := context.Background()
	l := New(nil, &mockLogger{})
	o, _ := l.CreatePending(ctx, pending("sig-1", 10))

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := l.RecordFill(ctx, o.ID, fill("same", 2, 10, 2))
			if err == nil && out.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
	got, _ := l.Get(o.ID)
	assert.Equal(t, 2.0, got.FilledQuantity)
}

func TestLedger_TerminalTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare func(l *Ledger, id string)
		to      domain.OrderStatus
		wantErr error
	}{
		{
			name:    "pending to canceled",
			prepare: func(l *Ledger, id string) {},
			to:      domain.StatusCanceled,
		},
		{
			name: "submitted to expired",
			prepare: func(l *Ledger, id string) {
				_, _ = l.RecordAcknowledgment(ctx, id, "1")
			},
			to: domain.StatusExpired,
		},
		{
			name: "partially filled cannot be rejected",
			prepare: func(l *Ledger, id string) {
				_, _ = l.RecordFill(ctx, id, fill("f", 1, 10, 1))
			},
			to:      domain.StatusRejected,
			wantErr: ports.ErrInvalidTransition,
		},
		{
			name: "canceled cannot expire",
			prepare: func(l *Ledger, id string) {
				_, _ = l.RecordTerminal(ctx, id, domain.StatusCanceled, "user")
			},
			to:      domain.StatusExpired,
			wantErr: ports.ErrInvalidTransition,
		},
		{
			name:    "filled needs fills",
			prepare: func(l *Ledger, id string) {},
			to:      domain.StatusFilled,
			wantErr: ports.ErrInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(nil, &mockLogger{})
			o, err := l.CreatePending(ctx, pending("sig", 2))
			require.NoError(t, err)
			tt.prepare(l, o.ID)
			before, _ := l.Get(o.ID)

			got, err := l.RecordTerminal(ctx, o.ID, tt.to, "test")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, before.Status, got.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, got.Status)
			assert.Equal(t, "test", got.Reason)
		})
	}
}

func TestLedger_RepeatedTerminalIsNoOp(t *testing.T) {
	ctx := context.Background()
	l := New(nil, &mockLogger{})
	o, _ := l.CreatePending(ctx, pending("sig", 2))
	_, err := l.RecordTerminal(ctx, o.ID, domain.StatusCanceled, "first")
	require.NoError(t, err)
	got, err := l.RecordTerminal(ctx, o.ID, domain.StatusCanceled, "second")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Reason)
}

func TestLedger_FillOnCanceledOrderRejected(t *testing.T) {
	ctx := context.Background()
	l := New(nil, &mockLogger{})
	o, _ := l.CreatePending(ctx, pending("sig", 2))
	_, _ = l.RecordTerminal(ctx, o.ID, domain.StatusCanceled, "")

	out, err := l.RecordFill(ctx, o.ID, fill("late", 1, 10, 1))
	assert.ErrorIs(t, err, ports.ErrInvalidTransition)
	assert.False(t, out.Applied)
	assert.Zero(t, out.Order.FilledQuantity)
}

func TestLedger_StaleAndOpen(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	l := New(nil, &mockLogger{}, WithClock(func() time.Time { return clock }))

	stale, _ := l.CreatePending(ctx, pending("a", 1))
	partial, _ := l.CreatePending(ctx, pending("b", 2))
	_, _ = l.RecordFill(ctx, partial.ID, fill("f", 1, 10, 1))
	done, _ := l.CreatePending(ctx, pending("c", 1))
	_, _ = l.RecordTerminal(ctx, done.ID, domain.StatusRejected, "x")

	clock = now.Add(10 * time.Second)
	fresh, _ := l.CreatePending(ctx, pending("d", 1))

	got := l.Stale(now.Add(15*time.Second), 10*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)

	open := l.Open()
	require.Len(t, open, 3)
	assert.Equal(t, fresh.ID, open[2].ID)
}

func TestLedger_RestoreFromRepository(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	l := New(repo, &mockLogger{})

	o, _ := l.CreatePending(ctx, pending("sig-1", 5))
	_, _ = l.RecordAcknowledgment(ctx, o.ID, "42")
	_, _ = l.RecordFill(ctx, o.ID, fill("t1", 2, 10, 2))

	restored := New(repo, &mockLogger{})
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := restored.ByExchangeID("42")
	require.True(t, ok)
	assert.Equal(t, domain.StatusPartiallyFilled, got.Status)
	assert.Equal(t, 2.0, got.FilledQuantity)
	assert.Contains(t, got.FillIDs, "t1")

	// Dedup survives restarts.
	out, err := restored.RecordFill(ctx, o.ID, fill("t1", 2, 10, 2))
	require.NoError(t, err)
	assert.False(t, out.Applied)

	_, err = restored.CreatePending(ctx, pending("sig-1", 1))
	assert.ErrorIs(t, err, ports.ErrDuplicateSignal)
}
