package strategy

import "github.com/shopspring/decimal"

// Reconcile returns the direction every snapshot agrees on. Any NEUTRAL,
// missing or conflicting interval makes the result NEUTRAL.
func Reconcile(snapshots []Snapshot) Direction {
	if len(snapshots) == 0 {
		return Neutral
	}
	dir := snapshots[0].Direction
	for _, s := range snapshots {
		if s.Direction == Neutral || s.Direction != dir {
			return Neutral
		}
	}
	return dir
}

// Reversal reports whether any interval points against the held direction.
func Reversal(held Direction, snapshots []Snapshot) bool {
	if held == Neutral {
		return false
	}
	opposite := held.Opposite()
	for _, s := range snapshots {
		if s.Direction == opposite {
			return true
		}
	}
	return false
}

// FilterByOrderBook vetoes a direction the order book contradicts: LONG needs
// non-negative imbalance and price at or above VWAP, SHORT the mirror.
func FilterByOrderBook(dir Direction, ob OrderBookAnalysis, price decimal.Decimal) Direction {
	if ob.VWAP.IsZero() {
		return dir
	}
	switch dir {
	case Long:
		if ob.Imbalance.IsNegative() || price.LessThan(ob.VWAP) {
			return Neutral
		}
	case Short:
		if ob.Imbalance.IsPositive() || price.GreaterThan(ob.VWAP) {
			return Neutral
		}
	}
	return dir
}
