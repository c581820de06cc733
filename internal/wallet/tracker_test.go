package wallet

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
)

func seeded(t *testing.T, total float64) *Tracker {
	t.Helper()
	w := NewTracker()
	w.Seed("USDT", total)
	return w
}

func TestTracker_ReserveAndRelease(t *testing.T) {
	w := seeded(t, 100)

	require.NoError(t, w.Reserve("USDT", "o1", 40))
	assert.InDelta(t, 60, w.Available("USDT"), 1e-9)
	assert.InDelta(t, 40, w.Balance("USDT").Reserved, 1e-9)

	released := w.Release("USDT", "o1", 15)
	assert.InDelta(t, 15, released, 1e-9)
	assert.InDelta(t, 25, w.Reservation("USDT", "o1"), 1e-9)

	// Releasing more than remains only releases what is left.
	released = w.Release("USDT", "o1", 100)
	assert.InDelta(t, 25, released, 1e-9)

	// Already released: no-op.
	released = w.Release("USDT", "o1", 10)
	assert.Zero(t, released)

	bal := w.Balance("USDT")
	assert.InDelta(t, 100, bal.Free, 1e-9)
	assert.Zero(t, bal.Reserved)
}

func TestTracker_ReserveInsufficientFunds(t *testing.T) {
	w := seeded(t, 10)

	err := w.Reserve("USDT", "o1", 10.5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)

	bal := w.Balance("USDT")
	assert.InDelta(t, 10, bal.Free, 1e-9)
	assert.Zero(t, bal.Reserved)
}

func TestTracker_ReserveExactBalance(t *testing.T) {
	w := seeded(t, 10)
	require.NoError(t, w.Reserve("USDT", "o1", 10))
	assert.InDelta(t, 0, w.Available("USDT"), 1e-9)
}

func TestTracker_SettleConsumesReservation(t *testing.T) {
	w := seeded(t, 100)
	require.NoError(t, w.Reserve("USDT", "o1", 50))

	// Half the order fills and costs 24 instead of the 25 reserved for it.
	released := w.Settle("USDT", "o1", 25, -24, "fill")
	assert.InDelta(t, 25, released, 1e-9)

	bal := w.Balance("USDT")
	assert.InDelta(t, 51, bal.Free, 1e-9)
	assert.InDelta(t, 25, bal.Reserved, 1e-9)
	assert.InDelta(t, 76, bal.Total(), 1e-9)
}

func TestTracker_SeedKeepsHolds(t *testing.T) {
	w := NewTracker()
	w.Hold("USDT", "restored", 30)
	assert.False(t, w.IsSynced("USDT"))

	w.Seed("USDT", 100)
	assert.True(t, w.IsSynced("USDT"))

	bal := w.Balance("USDT")
	assert.InDelta(t, 70, bal.Free, 1e-9)
	assert.InDelta(t, 30, bal.Reserved, 1e-9)
}

func TestTracker_ApplyDeltaClampsReserved(t *testing.T) {
	w := seeded(t, 10)
	w.ApplyDelta("USDT", 5, -3, "reconcile")

	bal := w.Balance("USDT")
	assert.InDelta(t, 15, bal.Free, 1e-9)
	assert.Zero(t, bal.Reserved)
}

func TestTracker_EmitsBalanceChanges(t *testing.T) {
	w := seeded(t, 100)
	var changes []domain.BalanceChange
	w.SetListener(func(c domain.BalanceChange) { changes = append(changes, c) })

	require.NoError(t, w.Reserve("USDT", "o1", 10))
	w.ReleaseAll("USDT", "o1")

	require.Len(t, changes, 2)
	assert.InDelta(t, -10, changes[0].FreeDelta, 1e-9)
	assert.InDelta(t, 10, changes[0].ReservedDelta, 1e-9)
	assert.InDelta(t, 10, changes[1].FreeDelta, 1e-9)
	assert.InDelta(t, 100, changes[1].Balance.Free, 1e-9)
}

func TestTracker_ConcurrentReservationsNeverOverspend(t *testing.T) {
	w := seeded(t, 100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := w.Reserve("USDT", string(rune('a'+i)), 7); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 14, granted)
	bal := w.Balance("USDT")
	assert.InDelta(t, 100, bal.Total(), 1e-9)
	assert.GreaterOrEqual(t, bal.Free, 0.0)
}

func TestTracker_SnapshotSorted(t *testing.T) {
	w := NewTracker()
	w.Seed("USDT", 1)
	w.Seed("BNB", 2)

	snap := w.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "BNB", snap[0].Asset)
	assert.Equal(t, "USDT", snap[1].Asset)
}
