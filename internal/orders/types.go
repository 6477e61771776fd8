// Package orders drives a position from signal to archived trade: entry,
// protective legs, monitoring, close and restart recovery.
package orders

// LegType is the purpose of an order within one position.
type LegType string

const (
	LegEntry      LegType = "E"  // market entry
	LegTakeProfit LegType = "TP" // TAKE_PROFIT_MARKET, closePosition
	LegStopLoss   LegType = "SL" // STOP_MARKET, closePosition
	LegExit       LegType = "X"  // reduce-only market close
)

// AllLegTypes returns every leg in placement order.
func AllLegTypes() []LegType {
	return []LegType{LegEntry, LegTakeProfit, LegStopLoss, LegExit}
}

// Valid reports whether t is a known leg.
func (t LegType) Valid() bool {
	switch t {
	case LegEntry, LegTakeProfit, LegStopLoss, LegExit:
		return true
	}
	return false
}
