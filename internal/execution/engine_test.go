package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
	"signalTrader/internal/risk"
)

func TestEngine_ExactBalanceToFilled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1000, nil)

	res := h.engine.OnSignal(ctx, longSignal("sig-1", 10))
	require.Equal(t, Submitted, res.Status, res.Reason)
	require.NotNil(t, res.Order)
	assert.Equal(t, domain.StatusSubmitted, res.Order.Status)
	assert.Equal(t, domain.Buy, res.Order.Side)
	assert.Equal(t, 10.0, res.Order.Quantity)
	assert.InDelta(t, 1000.0, h.book.Wallet().Balance("USDT").Reserved, 1e-9)
	assert.Equal(t, 1, h.transport.leverage["ETHUSDT"])

	req := h.transport.submits[0]
	assert.Equal(t, res.Order.ID, req.IdempotencyToken)
	assert.False(t, req.ReduceOnly)

	h.engine.HandleEvent(ctx, domain.ExchangeEvent{
		Kind:            domain.EventFill,
		Instrument:      "ETHUSDT",
		ExchangeOrderID: res.Order.ExchangeOrderID,
		ClientOrderID:   res.Order.ID,
		Status:          domain.StatusFilled,
		Fill:            domain.Fill{FillID: "trade-1", Quantity: 10, Price: 100, CumulativeQuantity: 10},
	})

	o, ok := h.book.Ledger().Get(res.Order.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFilled, o.Status)
	assert.Equal(t, 10.0, o.FilledQuantity)

	pos := h.book.Positions().Position("ETHUSDT")
	assert.InDelta(t, 10.0, pos.NetQuantity, 1e-12)
	assert.InDelta(t, 100.0, pos.AverageEntryPrice, 1e-9)
	assert.InDelta(t, 0.0, h.book.Wallet().Balance("USDT").Reserved, 1e-9)

	// The same fill again changes nothing.
	h.engine.HandleEvent(ctx, domain.ExchangeEvent{
		Kind: domain.EventFill, ExchangeOrderID: res.Order.ExchangeOrderID,
		Fill: domain.Fill{FillID: "trade-1", Quantity: 10, Price: 100, CumulativeQuantity: 10},
	})
	assert.InDelta(t, 10.0, h.book.Positions().Position("ETHUSDT").NetQuantity, 1e-12)
}

func TestEngine_InsufficientFundsCreatesNothing(t *testing.T) {
	h := newHarness(t, 1000, nil)
	before := h.book.Wallet().Snapshot()

	res := h.engine.OnSignal(context.Background(), longSignal("sig-1", 11))
	assert.Equal(t, InsufficientFunds, res.Status)
	assert.ErrorIs(t, res.Err, ports.ErrInsufficientFunds)
	assert.Nil(t, res.Order)
	assert.Empty(t, h.book.Ledger().Snapshot())
	assert.Equal(t, before, h.book.Wallet().Snapshot())
	assert.Zero(t, h.transport.submitCount())
	assert.Equal(t, 1, h.notifier.count(domain.EventSignalSkipped))
}

func TestEngine_TransportFailureRejectsAndReleases(t *testing.T) {
	h := newHarness(t, 1000, nil)
	h.transport.alwaysErr = ports.ErrInvalidRequest

	res := h.engine.OnSignal(context.Background(), longSignal("sig-1", 5))
	assert.Equal(t, Rejected, res.Status)
	require.NotNil(t, res.Order)
	assert.Equal(t, domain.StatusRejected, res.Order.Status)
	assert.Equal(t, ports.ErrInvalidRequest.Error(), res.Order.Reason)
	assert.Equal(t, 1, h.transport.submitCount(), "non-transient errors are not retried")

	bal := h.book.Wallet().Balance("USDT")
	assert.InDelta(t, 0.0, bal.Reserved, 1e-9)
	assert.InDelta(t, 1000.0, bal.Free, 1e-9)
	assert.Equal(t, 1, h.notifier.count(domain.EventOrderRejected))
}

func TestEngine_TimeoutsExhausted(t *testing.T) {
	h := newHarness(t, 1000, nil)
	h.transport.alwaysErr = ports.ErrTimeout
	h.transport.queryErr = ports.ErrOrderNotFound

	res := h.engine.OnSignal(context.Background(), longSignal("sig-1", 5))
	assert.Equal(t, Rejected, res.Status)
	assert.ErrorIs(t, res.Err, ports.ErrTransportExhausted)
	require.NotNil(t, res.Order)
	assert.Equal(t, domain.StatusRejected, res.Order.Status)
	assert.Equal(t, domain.ReasonTransportExhausted, res.Order.Reason)

	require.Len(t, h.transport.submits, 3)
	for _, req := range h.transport.submits {
		assert.Equal(t, res.Order.ID, req.IdempotencyToken, "every retry reuses the token")
	}
	assert.Equal(t, []string{res.Order.ID}, h.transport.queries)
	assert.Equal(t, []string{res.Order.ID}, h.transport.cancels)
	assert.InDelta(t, 0.0, h.book.Wallet().Balance("USDT").Reserved, 1e-9)
}

func TestEngine_AmbiguousSubmitFailure(t *testing.T) {
	tests := []struct {
		name        string
		queryErr    error
		wantStatus  Status
		wantCancels int
	}{
		{name: "order found on exchange is adopted", wantStatus: Submitted},
		{name: "order not found is canceled and rejected", queryErr: ports.ErrOrderNotFound, wantStatus: Rejected, wantCancels: 1},
		{name: "query failure still cancels", queryErr: ports.ErrTimeout, wantStatus: Rejected, wantCancels: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1000, nil)
			h.transport.alwaysErr = ports.ErrUnknown
			h.transport.queryErr = tt.queryErr

			res := h.engine.OnSignal(context.Background(), longSignal("sig-1", 5))
			require.Equal(t, tt.wantStatus, res.Status, res.Reason)
			require.NotNil(t, res.Order)
			assert.Len(t, h.transport.submits, 3, "unclassified errors are retried with the same token")
			assert.Equal(t, []string{res.Order.ID}, h.transport.queries)
			assert.Len(t, h.transport.cancels, tt.wantCancels)

			if tt.wantStatus == Submitted {
				assert.Equal(t, "777", res.Order.ExchangeOrderID)
				assert.Equal(t, domain.StatusSubmitted, res.Order.Status)
				assert.Greater(t, h.book.Wallet().Balance("USDT").Reserved, 0.0)
				return
			}
			assert.Equal(t, domain.StatusRejected, res.Order.Status)
			assert.ErrorIs(t, res.Err, ports.ErrTransportExhausted)
			assert.InDelta(t, 0.0, h.book.Wallet().Balance("USDT").Reserved, 1e-9)
		})
	}
}

func TestEngine_DefiniteRejectionSkipsCleanup(t *testing.T) {
	h := newHarness(t, 1000, nil)
	h.transport.alwaysErr = ports.ErrInsufficientFunds

	res := h.engine.OnSignal(context.Background(), longSignal("sig-1", 5))
	assert.Equal(t, Rejected, res.Status)
	assert.Empty(t, h.transport.queries)
	assert.Empty(t, h.transport.cancels)
}

func TestEngine_TransientThenSuccess(t *testing.T) {
	h := newHarness(t, 1000, nil)
	h.transport.submitErrs = []error{ports.ErrTimeout, ports.ErrRateLimited}

	res := h.engine.OnSignal(context.Background(), longSignal("sig-1", 5))
	require.Equal(t, Submitted, res.Status, res.Reason)
	require.Len(t, h.transport.submits, 3)
	assert.Equal(t, h.transport.submits[0].IdempotencyToken, h.transport.submits[2].IdempotencyToken)
	assert.Empty(t, h.transport.cancels)
}

func TestEngine_DuplicateClientOrderRecoversByQuery(t *testing.T) {
	h := newHarness(t, 1000, nil)
	h.transport.submitErrs = []error{ports.ErrTimeout, ports.ErrDuplicateClientOrder}

	res := h.engine.OnSignal(context.Background(), longSignal("sig-1", 5))
	require.Equal(t, Submitted, res.Status, res.Reason)
	assert.Equal(t, "777", res.Order.ExchangeOrderID)
	assert.Equal(t, []string{res.Order.ID}, h.transport.queries)
	assert.Len(t, h.transport.submits, 2)
}

func TestEngine_ImmediateFillInAck(t *testing.T) {
	h := newHarness(t, 1000, nil)
	h.transport.ackFill = 5
	h.transport.ackPrice = 101
	h.transport.ackStatus = domain.StatusFilled

	res := h.engine.OnSignal(context.Background(), longSignal("sig-1", 5))
	require.Equal(t, Submitted, res.Status, res.Reason)
	assert.Equal(t, domain.StatusFilled, res.Order.Status)
	pos := h.book.Positions().Position("ETHUSDT")
	assert.InDelta(t, 5.0, pos.NetQuantity, 1e-12)
	assert.InDelta(t, 101.0, pos.AverageEntryPrice, 1e-9)
	assert.InDelta(t, 0.0, h.book.Wallet().Balance("USDT").Reserved, 1e-9)
}

func TestEngine_DuplicateAndNoOp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1000, nil)
	h.transport.ackFill = 5
	h.transport.ackPrice = 100
	h.transport.ackStatus = domain.StatusFilled

	first := h.engine.OnSignal(ctx, longSignal("sig-1", 5))
	require.Equal(t, Submitted, first.Status)

	again := h.engine.OnSignal(ctx, longSignal("sig-1", 5))
	assert.Equal(t, Duplicate, again.Status)
	assert.Equal(t, first.Order.ID, again.Order.ID)

	same := h.engine.OnSignal(ctx, longSignal("sig-2", 5))
	assert.Equal(t, NoOp, same.Status)
	assert.Equal(t, 1, h.transport.submitCount())
}

func TestEngine_ConcurrentDeliveryOfOneSignal(t *testing.T) {
	h := newHarness(t, 100000, nil)

	var wg sync.WaitGroup
	results := make([]Result, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.engine.OnSignal(context.Background(), longSignal("sig-dup", 1))
		}(i)
	}
	wg.Wait()

	submitted := 0
	for _, r := range results {
		switch r.Status {
		case Submitted:
			submitted++
		case Duplicate:
		default:
			t.Fatalf("unexpected status %s: %s", r.Status, r.Reason)
		}
	}
	assert.Equal(t, 1, submitted)
	assert.Equal(t, 1, h.transport.submitCount())
	assert.Len(t, h.book.Ledger().Snapshot(), 1)
}

func TestEngine_SupersededBeforeSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000, nil)
	gate := make(chan struct{})
	h.transport.markGate = gate

	firstDone := make(chan Result, 1)
	go func() { firstDone <- h.engine.OnSignal(ctx, longSignal("old", 5)) }()

	// Wait until the first signal holds the lane and is blocked on price.
	l, _ := h.engine.claim(domain.Signal{ID: "lane-check", Instrument: "ETHUSDT"})
	h.engine.unclaim("lane-check")
	require.Eventually(t, func() bool { return l.latest.Load() == 1 }, time.Second, time.Millisecond)

	secondDone := make(chan Result, 1)
	go func() { secondDone <- h.engine.OnSignal(ctx, longSignal("new", 3)) }()
	require.Eventually(t, func() bool { return l.latest.Load() == 2 }, time.Second, time.Millisecond)

	close(gate)
	first := <-firstDone
	second := <-secondDone

	assert.Equal(t, Superseded, first.Status)
	assert.ErrorIs(t, first.Err, ports.ErrSuperseded)
	require.NotNil(t, first.Order)
	assert.Equal(t, domain.StatusCanceled, first.Order.Status)
	assert.Equal(t, domain.ReasonSuperseded, first.Order.Reason)

	assert.Equal(t, Submitted, second.Status, second.Reason)
	require.Len(t, h.transport.submits, 1)
	assert.Equal(t, 3.0, h.transport.submits[0].Quantity)
	assert.InDelta(t, 300.0, h.book.Wallet().Balance("USDT").Reserved, 1e-9)
}

func TestEngine_RiskAndValidation(t *testing.T) {
	h := newHarness(t, 100000, &risk.RiskConfig{MaxPositionSize: 5, MaxLeverage: 3, MaxOpenPositions: 10})

	res := h.engine.OnSignal(context.Background(), longSignal("big", 10))
	assert.Equal(t, RiskRejected, res.Status)
	assert.ErrorIs(t, res.Err, ports.ErrRiskRejected)
	assert.Zero(t, h.book.Wallet().Balance("USDT").Reserved)

	bad := longSignal("", 1)
	res = h.engine.OnSignal(context.Background(), bad)
	assert.Equal(t, Invalid, res.Status)
	assert.ErrorIs(t, res.Err, ports.ErrInvalidSignal)

	noSize := longSignal("nosize", 0)
	res = h.engine.OnSignal(context.Background(), noSize)
	assert.Equal(t, Invalid, res.Status)
	assert.Zero(t, h.transport.submitCount())
}

func TestEngine_CancelEventReleases(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1000, nil)
	res := h.engine.OnSignal(ctx, longSignal("sig-1", 4))
	require.Equal(t, Submitted, res.Status)

	h.engine.HandleEvent(ctx, domain.ExchangeEvent{
		Kind: domain.EventFill, ExchangeOrderID: res.Order.ExchangeOrderID, Status: domain.StatusPartiallyFilled,
		Fill: domain.Fill{FillID: "t1", Quantity: 1, Price: 100, CumulativeQuantity: 1},
	})
	h.engine.HandleEvent(ctx, domain.ExchangeEvent{
		Kind: domain.EventStatus, ExchangeOrderID: res.Order.ExchangeOrderID, Status: domain.StatusCanceled,
	})

	o, _ := h.book.Ledger().Get(res.Order.ID)
	assert.Equal(t, domain.StatusCanceled, o.Status)
	assert.Equal(t, 1.0, o.FilledQuantity)
	bal := h.book.Wallet().Balance("USDT")
	assert.InDelta(t, 0.0, bal.Reserved, 1e-9)
	assert.InDelta(t, 900.0, bal.Free, 1e-9)

	// Unknown orders are ignored.
	h.engine.HandleEvent(ctx, domain.ExchangeEvent{Kind: domain.EventStatus, ExchangeOrderID: "999", Status: domain.StatusCanceled})
}

func TestEngine_CloseExpiredPositions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1000, nil)
	h.transport.ackFill = 2
	h.transport.ackPrice = 100
	h.transport.ackStatus = domain.StatusFilled

	res := h.engine.OnSignal(ctx, longSignal("open", 2))
	require.Equal(t, Submitted, res.Status)
	opened := h.book.Positions().Position("ETHUSDT").OpenedAt

	h.engine.now = func() time.Time { return opened.Add(time.Hour) }
	assert.Empty(t, h.engine.CloseExpiredPositions(ctx, 72*time.Hour))

	h.engine.now = func() time.Time { return opened.Add(73 * time.Hour) }
	results := h.engine.CloseExpiredPositions(ctx, 72*time.Hour)
	require.Len(t, results, 1)
	assert.Equal(t, Submitted, results[0].Status, results[0].Reason)
	assert.Contains(t, results[0].SignalID, "timelimit:ETHUSDT:")

	last := h.transport.submits[len(h.transport.submits)-1]
	assert.Equal(t, domain.Sell, last.Side)
	assert.True(t, last.ReduceOnly)
	assert.Equal(t, 2.0, last.Quantity)
	assert.True(t, h.book.Positions().Position("ETHUSDT").IsFlat())
}

func signalFor(id, instrument string, size float64) domain.Signal {
	return domain.Signal{ID: id, Instrument: instrument, Direction: domain.Long, Size: size, Source: "test", ReceivedAt: time.Now()}
}

func TestEngine_OpenPositionLimitCountsWorkingOrders(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100000, &risk.RiskConfig{MaxOpenPositions: 1})

	// Acknowledged, not yet filled.
	first := h.engine.OnSignal(ctx, signalFor("a", "ETHUSDT", 1))
	require.Equal(t, Submitted, first.Status, first.Reason)

	second := h.engine.OnSignal(ctx, signalFor("b", "BTCUSDT", 1))
	assert.Equal(t, RiskRejected, second.Status)
	assert.ErrorIs(t, second.Err, ports.ErrRiskRejected)
	assert.Equal(t, 1, h.transport.submitCount())

	// Adding to the instrument that holds the slot is allowed.
	more := h.engine.OnSignal(ctx, signalFor("a2", "ETHUSDT", 2))
	assert.Equal(t, Submitted, more.Status, more.Reason)

	// Once the working orders are gone the slot is free again.
	for _, res := range []Result{first, more} {
		_, err := h.book.Terminate(ctx, res.Order.ID, domain.StatusCanceled, "test")
		require.NoError(t, err)
	}
	third := h.engine.OnSignal(ctx, signalFor("c", "BTCUSDT", 1))
	assert.Equal(t, Submitted, third.Status, third.Reason)
}

func TestEngine_OpenPositionLimitUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100000, &risk.RiskConfig{MaxOpenPositions: 2})
	h.transport.markGate = make(chan struct{})

	instruments := []string{"ETHUSDT", "BTCUSDT", "SOLUSDT", "XRPUSDT", "BNBUSDT"}
	var wg sync.WaitGroup
	results := make([]Result, len(instruments))
	for i, instr := range instruments {
		wg.Add(1)
		go func(i int, instr string) {
			defer wg.Done()
			results[i] = h.engine.OnSignal(ctx, signalFor("s-"+instr, instr, 1))
		}(i, instr)
	}
	// Hold every signal at the price lookup, then release them together.
	time.Sleep(20 * time.Millisecond)
	close(h.transport.markGate)
	wg.Wait()

	submitted := 0
	for _, res := range results {
		if res.Status == Submitted {
			submitted++
		} else {
			assert.Equal(t, RiskRejected, res.Status, res.Reason)
		}
	}
	assert.Equal(t, 2, submitted)
	assert.Equal(t, 2, h.transport.submitCount())
}

func TestEngine_ReserveSlotsKeepsBatchOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100000, &risk.RiskConfig{MaxOpenPositions: 2})

	batch := []domain.Signal{
		signalFor("a", "ETHUSDT", 1),
		signalFor("b", "BTCUSDT", 1),
		signalFor("c", "SOLUSDT", 1),
	}
	release := h.engine.ReserveSlots(batch)

	// The last signal runs first but the earlier ones own the slots.
	late := h.engine.OnSignal(ctx, batch[2])
	assert.Equal(t, RiskRejected, late.Status)
	for _, sig := range batch[:2] {
		res := h.engine.OnSignal(ctx, sig)
		assert.Equal(t, Submitted, res.Status, res.Reason)
	}
	release()

	// The working orders keep holding the slots after the batch.
	res := h.engine.OnSignal(ctx, signalFor("d", "XRPUSDT", 1))
	assert.Equal(t, RiskRejected, res.Status)
}

func TestEngine_ProtectiveOrders(t *testing.T) {
	tests := []struct {
		name        string
		direction   domain.Direction
		stopLoss    float64
		takeProfit  float64
		failing     map[domain.TriggerType]error
		wantStatus  Status
		wantSide    domain.OrderSide
		wantSubmits int
		wantCancels int
		wantErr     error
	}{
		{name: "long with both legs", direction: domain.Long, stopLoss: 90, takeProfit: 120, wantStatus: Submitted, wantSide: domain.Sell, wantSubmits: 3},
		{name: "short with both legs", direction: domain.Short, stopLoss: 110, takeProfit: 80, wantStatus: Submitted, wantSide: domain.Buy, wantSubmits: 3},
		{name: "stop only", direction: domain.Long, stopLoss: 95, wantStatus: Submitted, wantSide: domain.Sell, wantSubmits: 2},
		{name: "long stop above price", direction: domain.Long, stopLoss: 110, wantStatus: Invalid, wantErr: ports.ErrInvalidSignal},
		{name: "short target above price", direction: domain.Short, takeProfit: 120, wantStatus: Invalid, wantErr: ports.ErrInvalidSignal},
		{
			name: "one leg fails keeps the entry", direction: domain.Long, stopLoss: 90, takeProfit: 120,
			failing:    map[domain.TriggerType]error{domain.TriggerTakeProfit: ports.ErrInvalidRequest},
			wantStatus: Submitted, wantSide: domain.Sell, wantSubmits: 3, wantErr: ports.ErrProtectiveOrder,
		},
		{
			name: "every leg fails cancels the entry", direction: domain.Long, stopLoss: 90, takeProfit: 120,
			failing: map[domain.TriggerType]error{
				domain.TriggerStopLoss: ports.ErrInvalidRequest, domain.TriggerTakeProfit: ports.ErrInvalidRequest,
			},
			wantStatus: Submitted, wantSide: domain.Sell, wantSubmits: 3, wantCancels: 1, wantErr: ports.ErrProtectiveOrder,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1000, nil)
			h.transport.triggerErr = tt.failing
			sig := longSignal("sig-1", 5)
			sig.Direction = tt.direction
			sig.StopLoss = tt.stopLoss
			sig.TakeProfit = tt.takeProfit

			res := h.engine.OnSignal(context.Background(), sig)
			require.Equal(t, tt.wantStatus, res.Status, res.Reason)
			if tt.wantErr != nil {
				assert.ErrorIs(t, res.Err, tt.wantErr)
			} else {
				assert.NoError(t, res.Err)
			}
			require.Len(t, h.transport.submits, tt.wantSubmits)
			assert.Len(t, h.transport.cancels, tt.wantCancels)
			if tt.wantSubmits == 0 {
				return
			}

			assert.Empty(t, h.transport.submits[0].Trigger)
			for _, req := range h.transport.submits[1:] {
				assert.True(t, req.ReduceOnly)
				assert.Equal(t, tt.wantSide, req.Side)
				assert.InDelta(t, 5.0, req.Quantity, 1e-12)
				assert.LessOrEqual(t, len(req.IdempotencyToken), 36)
				assert.NotEqual(t, res.Order.ID, req.IdempotencyToken)
				switch req.Trigger {
				case domain.TriggerStopLoss:
					assert.Equal(t, tt.stopLoss, req.StopPrice)
				case domain.TriggerTakeProfit:
					assert.Equal(t, tt.takeProfit, req.StopPrice)
				default:
					t.Errorf("unexpected trigger %q", req.Trigger)
				}
			}
			if tt.failing == nil {
				assert.True(t, res.StopLossOrderID != "" || res.TakeProfitOrderID != "")
			}
			if tt.wantCancels > 0 {
				assert.Equal(t, []string{res.Order.ID}, h.transport.cancels)
			}
		})
	}
}
