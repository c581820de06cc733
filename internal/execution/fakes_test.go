package execution

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"signalTrader/internal/domain"
	"signalTrader/internal/ledger"
	"signalTrader/internal/portfolio"
	"signalTrader/internal/ports"
	"signalTrader/internal/position"
	"signalTrader/internal/risk"
	"signalTrader/internal/sizing"
	"signalTrader/internal/wallet"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, e domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) count(kind domain.EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Kind == kind {
			c++
		}
	}
	return c
}

// fakeTransport implements ports.Transport. Submit errors are consumed in
// order before submissions start succeeding.
type fakeTransport struct {
	mu sync.Mutex

	mark       float64
	instrument domain.Instrument
	markGate   chan struct{}

	submitErrs []error
	alwaysErr  error
	queryErr   error
	triggerErr map[domain.TriggerType]error
	ackFill    float64
	ackPrice   float64
	ackStatus  domain.OrderStatus

	submits  []ports.OrderRequest
	cancels  []string
	queries  []string
	leverage map[string]int
	nextID   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		mark: 100,
		instrument: domain.Instrument{
			Symbol: "ETHUSDT", QuoteAsset: "USDT", StepSize: 0.001, MinQuantity: 0.001, TickSize: 0.01,
		},
		leverage: make(map[string]int),
		nextID:   1000,
	}
}

func (f *fakeTransport) SetServerTime(ctx context.Context) error { return nil }
func (f *fakeTransport) Ping(ctx context.Context) error          { return nil }

func (f *fakeTransport) GetMarkPrice(ctx context.Context, instrument string) (float64, error) {
	if f.markGate != nil {
		select {
		case <-f.markGate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mark, nil
}

func (f *fakeTransport) GetInstrument(ctx context.Context, instrument string) (*domain.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	instr := f.instrument
	instr.Symbol = instrument
	return &instr, nil
}

func (f *fakeTransport) SetLeverage(ctx context.Context, instrument string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage[instrument] = leverage
	return nil
}

func (f *fakeTransport) SubmitOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if err := f.triggerErr[req.Trigger]; err != nil && req.Trigger != "" {
		return nil, err
	}
	if f.alwaysErr != nil {
		return nil, f.alwaysErr
	}
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return nil, err
	}
	f.nextID++
	status := f.ackStatus
	if status == "" {
		status = domain.StatusSubmitted
	}
	return &ports.OrderAck{
		ExchangeOrderID:  strconv.Itoa(f.nextID),
		ClientOrderID:    req.IdempotencyToken,
		Status:           status,
		FilledQuantity:   f.ackFill,
		AverageFillPrice: f.ackPrice,
		Timestamp:        time.Now(),
	}, nil
}

func (f *fakeTransport) CancelOrder(ctx context.Context, instrument, exchangeOrderID, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, clientOrderID)
	return nil
}

func (f *fakeTransport) QueryOrder(ctx context.Context, instrument, exchangeOrderID, clientOrderID string) (*domain.LiveOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, clientOrderID)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &domain.LiveOrder{
		ExchangeOrderID: "777",
		ClientOrderID:   clientOrderID,
		Instrument:      instrument,
		Status:          domain.StatusSubmitted,
	}, nil
}

func (f *fakeTransport) FetchOpenOrders(ctx context.Context) ([]domain.LiveOrder, error) { return nil, nil }
func (f *fakeTransport) FetchPositions(ctx context.Context) ([]domain.LivePosition, error) {
	return nil, nil
}
func (f *fakeTransport) FetchBalances(ctx context.Context) ([]domain.LiveBalance, error) {
	return nil, nil
}

func (f *fakeTransport) StreamEvents(ctx context.Context, handler ports.EventHandler, errHandler func(err error)) (chan struct{}, error) {
	done := make(chan struct{})
	close(done)
	return done, nil
}

func (f *fakeTransport) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type harness struct {
	engine    *Engine
	book      *portfolio.Book
	transport *fakeTransport
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, balance float64, riskCfg *risk.RiskConfig) *harness {
	t.Helper()
	tr := newFakeTransport()
	n := &recordingNotifier{}
	w := wallet.NewTracker()
	w.Seed("USDT", balance)
	book := portfolio.NewBook(ledger.New(nil, &mockLogger{}), position.NewTracker(), w, n, &mockLogger{})

	var rm *risk.RiskManager
	if riskCfg != nil {
		rm = risk.NewRiskManager(*riskCfg)
	}
	e, err := NewEngine(Config{
		QuoteAsset:       "USDT",
		Leverage:         1,
		SubmitMaxRetries: 2,
		RetryMinDelay:    time.Millisecond,
		RetryMaxDelay:    2 * time.Millisecond,
	}, tr, book, sizing.TargetSize{}, rm, &mockLogger{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &harness{engine: e, book: book, transport: tr, notifier: n}
}

func longSignal(id string, size float64) domain.Signal {
	return domain.Signal{ID: id, Instrument: "ETHUSDT", Direction: domain.Long, Size: size, Source: "test", ReceivedAt: time.Now()}
}
