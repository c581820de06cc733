package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"signalTrader/internal/ports"
)

// RiskConfig holds configuration for risk management
type RiskConfig struct {
	MaxPositionSize  float64 // Absolute net quantity per instrument, 0 disables
	MaxLeverage      int
	MaxOpenPositions int
	MaxOrderNotional float64 // Quote value of one order, 0 disables
	MaxDailyLoss     float64 // Quote amount of realized loss per day, 0 disables
	MaxDailyTrades   int     // 0 disables
}

// OrderProposal is a candidate order as the execution engine sees it.
type OrderProposal struct {
	Instrument    string
	Quantity      float64 // Order quantity, always positive
	Price         float64 // Reference price
	Leverage      int
	CurrentNet    float64 // Net position before the order
	TargetNet     float64 // Net position after the order fills
	OpenPositions int     // Non-flat instruments right now
}

// Increases reports whether the order adds exposure.
func (p OrderProposal) Increases() bool {
	return math.Abs(p.TargetNet) > math.Abs(p.CurrentNet) ||
		(p.TargetNet != 0 && p.CurrentNet != 0 && math.Signbit(p.TargetNet) != math.Signbit(p.CurrentNet))
}

// RiskManager implements risk management functionality
type RiskManager struct {
	config RiskConfig

	mu    sync.Mutex
	stats *RiskStats
	now   func() time.Time

	slotsMu sync.Mutex
	opening map[string]int // Instruments admitted as new positions, by holder count
}

// RiskStats holds risk management statistics
type RiskStats struct {
	DailyPnL      float64
	DailyTrades   int
	LastResetTime int64
}

// NewRiskManager creates a new risk manager instance
func NewRiskManager(config RiskConfig) *RiskManager {
	return &RiskManager{
		config:  config,
		stats:   &RiskStats{LastResetTime: time.Now().Unix()},
		now:     time.Now,
		opening: make(map[string]int),
	}
}

// AcquireSlot admits instrument against the open-position limit. occupied
// returns the instruments that already hold exposure or a working order; it
// is evaluated under the slot lock so concurrent callers see each other's
// admissions. An instrument that is already occupied or admitted always
// passes. The returned release must be called once the holder's order is in
// the ledger or abandoned.
func (r *RiskManager) AcquireSlot(instrument string, occupied func() map[string]struct{}) (release func(), err error) {
	r.slotsMu.Lock()
	defer r.slotsMu.Unlock()

	if r.config.MaxOpenPositions > 0 {
		taken := occupied()
		for held := range r.opening {
			taken[held] = struct{}{}
		}
		if _, ok := taken[instrument]; !ok && len(taken) >= r.config.MaxOpenPositions {
			return nil, fmt.Errorf("number of open positions %d reached maximum allowed %d: %w", len(taken), r.config.MaxOpenPositions, ports.ErrRiskRejected)
		}
	}
	r.opening[instrument]++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.slotsMu.Lock()
			defer r.slotsMu.Unlock()
			if r.opening[instrument]--; r.opening[instrument] <= 0 {
				delete(r.opening, instrument)
			}
		})
	}, nil
}

// ValidateOrder checks a proposal against the configured limits. Orders that
// only reduce exposure are always allowed. Violations wrap ErrRiskRejected.
func (r *RiskManager) ValidateOrder(ctx context.Context, p OrderProposal) error {
	if !p.Increases() {
		return nil
	}

	// Check leverage
	if r.config.MaxLeverage > 0 && p.Leverage > r.config.MaxLeverage {
		return fmt.Errorf("leverage %d exceeds maximum allowed %d: %w", p.Leverage, r.config.MaxLeverage, ports.ErrRiskRejected)
	}

	// Check position size
	if r.config.MaxPositionSize > 0 && math.Abs(p.TargetNet) > r.config.MaxPositionSize {
		return fmt.Errorf("target position %f exceeds maximum allowed %f: %w", math.Abs(p.TargetNet), r.config.MaxPositionSize, ports.ErrRiskRejected)
	}

	// Check number of open positions; only a new instrument adds one
	if r.config.MaxOpenPositions > 0 && p.CurrentNet == 0 && p.OpenPositions >= r.config.MaxOpenPositions {
		return fmt.Errorf("number of open positions %d reached maximum allowed %d: %w", p.OpenPositions, r.config.MaxOpenPositions, ports.ErrRiskRejected)
	}

	// Check order value
	if notional := p.Quantity * p.Price; r.config.MaxOrderNotional > 0 && notional > r.config.MaxOrderNotional {
		return fmt.Errorf("order notional %f exceeds maximum allowed %f: %w", notional, r.config.MaxOrderNotional, ports.ErrRiskRejected)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollDay()

	// Check daily loss limit
	if r.config.MaxDailyLoss > 0 && r.stats.DailyPnL <= -r.config.MaxDailyLoss {
		return fmt.Errorf("daily loss %f reached maximum allowed %f: %w", -r.stats.DailyPnL, r.config.MaxDailyLoss, ports.ErrRiskRejected)
	}

	// Check daily trades
	if r.config.MaxDailyTrades > 0 && r.stats.DailyTrades >= r.config.MaxDailyTrades {
		return fmt.Errorf("daily trades %d reached maximum allowed %d: %w", r.stats.DailyTrades, r.config.MaxDailyTrades, ports.ErrRiskRejected)
	}

	return nil
}

// RecordOrder counts a submitted order against the daily trade limit.
func (r *RiskManager) RecordOrder(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollDay()
	r.stats.DailyTrades++
}

// RecordRealized adds realized PnL from a fill to the daily total.
func (r *RiskManager) RecordRealized(ctx context.Context, pnl float64) {
	if pnl == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollDay()
	r.stats.DailyPnL += pnl
}

// ResetDailyStats resets daily statistics
func (r *RiskManager) ResetDailyStats(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

// GetStats returns a copy of the current risk management statistics
func (r *RiskManager) GetStats() RiskStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.stats
}

// rollDay resets the counters when the UTC day changed. Caller holds r.mu.
func (r *RiskManager) rollDay() {
	last := time.Unix(r.stats.LastResetTime, 0).UTC()
	now := r.now().UTC()
	if last.Year() != now.Year() || last.YearDay() != now.YearDay() {
		r.reset()
	}
}

func (r *RiskManager) reset() {
	r.stats.DailyPnL = 0
	r.stats.DailyTrades = 0
	r.stats.LastResetTime = r.now().Unix()
}
