// Package wallet keeps the local view of wallet balances and the capital
// reserved against in-flight orders.
package wallet

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
)

const epsilon = 1e-9

// Listener receives every balance mutation.
type Listener func(change domain.BalanceChange)

type account struct {
	mu       sync.Mutex
	free     float64
	reserved float64
	holds    map[string]float64 // reservation id -> remaining amount
	synced   bool
}

// Tracker maintains balances per asset. Mutations are serialized per asset;
// Snapshot blocks all mutators to return a consistent view.
type Tracker struct {
	mu       sync.RWMutex
	accounts map[string]*account

	listenerMu sync.RWMutex
	listener   Listener
	now        func() time.Time
}

// NewTracker creates an empty wallet tracker.
func NewTracker() *Tracker {
	return &Tracker{
		accounts: make(map[string]*account),
		now:      time.Now,
	}
}

// SetListener registers the receiver of balance-changed events.
func (t *Tracker) SetListener(l Listener) {
	t.listenerMu.Lock()
	t.listener = l
	t.listenerMu.Unlock()
}

// withAccount runs fn under the asset's lock, creating the account if needed.
func (t *Tracker) withAccount(asset string, fn func(a *account)) {
	t.mu.RLock()
	a, ok := t.accounts[asset]
	t.mu.RUnlock()
	if !ok {
		t.mu.Lock()
		a, ok = t.accounts[asset]
		if !ok {
			a = &account{holds: make(map[string]float64)}
			t.accounts[asset] = a
		}
		t.mu.Unlock()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

func (t *Tracker) emit(asset string, freeDelta, reservedDelta float64, bal domain.Balance, cause string) {
	if freeDelta == 0 && reservedDelta == 0 {
		return
	}
	t.listenerMu.RLock()
	l := t.listener
	t.listenerMu.RUnlock()
	if l == nil {
		return
	}
	l(domain.BalanceChange{
		Asset:         asset,
		FreeDelta:     freeDelta,
		ReservedDelta: reservedDelta,
		Balance:       bal,
		Cause:         cause,
		Time:          t.now().UTC(),
	})
}

func (a *account) balance(asset string) domain.Balance {
	return domain.Balance{Asset: asset, Free: a.free, Reserved: a.reserved}
}

// Available returns the free balance of asset; reservations are already excluded.
func (t *Tracker) Available(asset string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.accounts[asset]
	if !ok {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// Balance returns the current balance of asset (zero if untracked).
func (t *Tracker) Balance(asset string) domain.Balance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.accounts[asset]
	if !ok {
		return domain.Balance{Asset: asset}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance(asset)
}

// Reservation returns what remains reserved under id.
func (t *Tracker) Reservation(asset, id string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.accounts[asset]
	if !ok {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holds[id]
}

// Reserve earmarks amount of asset under the reservation id.
func (t *Tracker) Reserve(asset, id string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("reserve %s: negative amount %f: %w", asset, amount, ports.ErrInvalidRequest)
	}
	if amount == 0 {
		return nil
	}
	var (
		err error
		bal domain.Balance
	)
	t.withAccount(asset, func(a *account) {
		if a.free+epsilon < amount {
			err = fmt.Errorf("reserve %.8f %s (available %.8f): %w", amount, asset, a.free, ports.ErrInsufficientFunds)
			return
		}
		a.free -= amount
		a.reserved += amount
		a.holds[id] += amount
		bal = a.balance(asset)
	})
	if err != nil {
		return err
	}
	t.emit(asset, -amount, amount, bal, "reserve:"+id)
	return nil
}

// Hold re-establishes a reservation without checking availability.
// Used when restoring in-flight orders before balances are synchronized.
func (t *Tracker) Hold(asset, id string, amount float64) {
	if amount <= 0 {
		return
	}
	var bal domain.Balance
	t.withAccount(asset, func(a *account) {
		a.free -= amount
		a.reserved += amount
		a.holds[id] += amount
		bal = a.balance(asset)
	})
	t.emit(asset, -amount, amount, bal, "hold:"+id)
}

// Release returns up to amount of the reservation id to the free balance.
// Releasing more than remains, or an already released reservation, is a no-op
// for the excess. It returns the amount actually released.
func (t *Tracker) Release(asset, id string, amount float64) float64 {
	return t.Settle(asset, id, amount, 0, "release:"+id)
}

// ReleaseAll returns whatever remains of reservation id.
func (t *Tracker) ReleaseAll(asset, id string) float64 {
	return t.Release(asset, id, t.Reservation(asset, id))
}

// Settle atomically releases up to release from reservation id and applies
// freeDelta (the realized cost or credit of a fill) to the free balance.
func (t *Tracker) Settle(asset, id string, release, freeDelta float64, cause string) float64 {
	if release < 0 {
		release = 0
	}
	var (
		released float64
		bal      domain.Balance
	)
	t.withAccount(asset, func(a *account) {
		hold := a.holds[id]
		released = release
		if released > hold {
			released = hold
		}
		if hold-released <= epsilon {
			released = hold
			delete(a.holds, id)
		} else {
			a.holds[id] = hold - released
		}
		a.reserved -= released
		if a.reserved < epsilon {
			a.reserved = 0
		}
		a.free += released + freeDelta
		bal = a.balance(asset)
	})
	t.emit(asset, released+freeDelta, -released, bal, cause)
	return released
}

// ApplyDelta adjusts free and reserved directly. Reconciliation uses it to
// correct local state from exchange truth; reserved never drops below zero.
func (t *Tracker) ApplyDelta(asset string, freeDelta, reservedDelta float64, cause string) {
	var (
		bal     domain.Balance
		applied float64
	)
	t.withAccount(asset, func(a *account) {
		a.free += freeDelta
		before := a.reserved
		a.reserved += reservedDelta
		if a.reserved < 0 {
			a.reserved = 0
		}
		applied = a.reserved - before
		a.synced = true
		bal = a.balance(asset)
	})
	t.emit(asset, freeDelta, applied, bal, cause)
}

// IsSynced reports whether asset has been aligned with an exchange report.
func (t *Tracker) IsSynced(asset string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.accounts[asset]
	if !ok {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.synced
}

// Seed aligns a never-synced asset with the exchange total, keeping existing
// reservations: free becomes total minus reserved.
func (t *Tracker) Seed(asset string, total float64) {
	var (
		bal   domain.Balance
		delta float64
	)
	t.withAccount(asset, func(a *account) {
		newFree := total - a.reserved
		delta = newFree - a.free
		a.free = newFree
		a.synced = true
		bal = a.balance(asset)
	})
	t.emit(asset, delta, 0, bal, "seed")
}

// Snapshot returns a consistent copy of every tracked balance, sorted by asset.
func (t *Tracker) Snapshot() []domain.Balance {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Balance, 0, len(t.accounts))
	for asset, a := range t.accounts {
		a.mu.Lock()
		out = append(out, a.balance(asset))
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
