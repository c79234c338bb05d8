// Package risk holds the pre-trade checks a session consults before
// placing an entry order, plus daily loss tracking fed from realized
// exits. All checks are advisory toward exits: a session may always
// square off, only new exposure is gated.
package risk

import (
	"fmt"
	"sync"
)

// Limits defines configurable risk thresholds. A zero value disables
// the corresponding check.
type Limits struct {
	MaxLots          int64   `json:"max_lots"`           // max lots per entry order
	MaxOpenPositions int     `json:"max_open_positions"` // max concurrent option positions
	MaxDailyLoss     float64 `json:"max_daily_loss"`     // realized loss cutoff in rupees
}

// DefaultLimits returns conservative defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxLots:          10,
		MaxOpenPositions: 2,
		MaxDailyLoss:     0,
	}
}

// Guard validates entries against limits and tracks realized P&L.
// Safe for concurrent use by multiple sessions.
type Guard struct {
	mu     sync.RWMutex
	limits Limits

	dailyPnL float64
}

// NewGuard creates a guard with the given limits.
func NewGuard(limits Limits) *Guard {
	return &Guard{limits: limits}
}

// CanEnter reports whether a new entry of the given size is allowed,
// with a reason when it is not. openPositions counts the currently open
// option positions. A nil guard allows everything.
func (g *Guard) CanEnter(openPositions int, lots int64) (bool, string) {
	if g == nil {
		return true, ""
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.limits.MaxLots > 0 && lots > g.limits.MaxLots {
		return false, fmt.Sprintf("order size %d lots exceeds limit %d", lots, g.limits.MaxLots)
	}
	if g.limits.MaxOpenPositions > 0 && openPositions >= g.limits.MaxOpenPositions {
		return false, fmt.Sprintf("open positions %d at limit %d", openPositions, g.limits.MaxOpenPositions)
	}
	if g.limits.MaxDailyLoss > 0 && g.dailyPnL <= -g.limits.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss %.2f breached limit %.2f", -g.dailyPnL, g.limits.MaxDailyLoss)
	}
	return true, ""
}

// RecordPnL adds a realized P&L figure to the daily total. Safe on nil.
func (g *Guard) RecordPnL(pnl float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.dailyPnL += pnl
	g.mu.Unlock()
}

// ResetDaily clears the daily P&L counter (call at market open).
func (g *Guard) ResetDaily() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.dailyPnL = 0
	g.mu.Unlock()
}

// Status returns the current risk state for the API.
func (g *Guard) Status() map[string]interface{} {
	if g == nil {
		return map[string]interface{}{"enabled": false}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]interface{}{
		"enabled":   true,
		"daily_pnl": g.dailyPnL,
		"limits":    g.limits,
	}
}
