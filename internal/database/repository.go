package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"martingale-futures-bot/internal/risk"
	"martingale-futures-bot/internal/trading"
)

// TradeRepository archives closed trades in Postgres. Decimals cross the
// wire as text so no precision is lost to float conversion.
type TradeRepository struct {
	db *DB
}

// NewTradeRepository creates a new repository
func NewTradeRepository(db *DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Insert stores a trade record. Inserting the same position twice is a no-op.
func (r *TradeRepository) Insert(ctx context.Context, t trading.TradeRecord) error {
	signal, err := json.Marshal(t.Signal)
	if err != nil {
		return fmt.Errorf("marshal signal context: %w", err)
	}

	query := `
		INSERT INTO trade_records (
			position_id, symbol, side, size, entry_price, exit_price, stop_loss_price, take_profit_price,
			leverage, margin, position_fraction, sizing_mode, realized_pnl, fees, net_pnl,
			capital_before, capital_after, exit_reason, recovered, signal, opened_at, closed_at
		) VALUES (
			$1, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8::text::numeric,
			$9, $10::text::numeric, $11::text::numeric, $12, $13::text::numeric, $14::text::numeric, $15::text::numeric,
			$16::text::numeric, $17::text::numeric, $18, $19, $20::text::jsonb, $21, $22
		)
		ON CONFLICT (position_id) DO NOTHING
	`
	_, err = r.db.Pool.Exec(ctx, query,
		t.PositionID, t.Symbol, string(t.Side),
		t.Size.String(), t.EntryPrice.String(), t.ExitPrice.String(),
		t.StopLossPrice.String(), t.TakeProfitPrice.String(),
		t.Leverage, t.Margin.String(), t.PositionFraction.String(), string(t.SizingMode),
		t.RealizedPnl.String(), t.Fees.String(), t.NetPnl.String(),
		t.CapitalBefore.String(), t.CapitalAfter.String(),
		string(t.ExitReason), t.Recovered, string(signal),
		t.OpenedAt.UTC(), t.ClosedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert trade record %s: %w", t.PositionID, err)
	}
	return nil
}

// List returns the latest trades for symbol, oldest first. limit <= 0 returns all.
func (r *TradeRepository) List(ctx context.Context, symbol string, limit int) ([]trading.TradeRecord, error) {
	query := `
		SELECT * FROM (
			SELECT position_id, symbol, side, size::text, entry_price::text, exit_price::text,
				COALESCE(stop_loss_price, 0)::text, COALESCE(take_profit_price, 0)::text,
				leverage, margin::text, position_fraction::text, sizing_mode,
				realized_pnl::text, fees::text, net_pnl::text, capital_before::text, capital_after::text,
				exit_reason, recovered, COALESCE(signal::text, '{}'), opened_at, closed_at, id
			FROM trade_records
			WHERE symbol = $1
			ORDER BY id DESC
			LIMIT $2
		) latest
		ORDER BY id ASC
	`
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.db.Pool.Query(ctx, query, symbol, lim)
	if err != nil {
		return nil, fmt.Errorf("query trade records: %w", err)
	}
	defer rows.Close()

	var out []trading.TradeRecord
	for rows.Next() {
		rec, err := scanTradeRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of archived trades for symbol.
func (r *TradeRepository) Count(ctx context.Context, symbol string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM trade_records WHERE symbol = $1`, symbol).Scan(&n)
	return n, err
}

func scanTradeRecord(rows pgx.Rows) (trading.TradeRecord, error) {
	var (
		rec                                         trading.TradeRecord
		side, mode, reason, signal                  string
		size, entry, exit, sl, tp, margin, fraction string
		pnl, fees, net, before, after               string
		openedAt, closedAt                          time.Time
		id                                          int64
	)
	if err := rows.Scan(&rec.PositionID, &rec.Symbol, &side, &size, &entry, &exit, &sl, &tp,
		&rec.Leverage, &margin, &fraction, &mode, &pnl, &fees, &net, &before, &after,
		&reason, &rec.Recovered, &signal, &openedAt, &closedAt, &id); err != nil {
		return rec, fmt.Errorf("scan trade record: %w", err)
	}

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&rec.Size, size}, {&rec.EntryPrice, entry}, {&rec.ExitPrice, exit},
		{&rec.StopLossPrice, sl}, {&rec.TakeProfitPrice, tp},
		{&rec.Margin, margin}, {&rec.PositionFraction, fraction},
		{&rec.RealizedPnl, pnl}, {&rec.Fees, fees}, {&rec.NetPnl, net},
		{&rec.CapitalBefore, before}, {&rec.CapitalAfter, after},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return rec, fmt.Errorf("parse numeric column %q: %w", f.src, err)
		}
		*f.dst = v
	}
	if err := json.Unmarshal([]byte(signal), &rec.Signal); err != nil {
		return rec, fmt.Errorf("decode signal context: %w", err)
	}

	rec.Side = risk.Side(side)
	rec.SizingMode = risk.Mode(mode)
	rec.ExitReason = trading.ExitReason(reason)
	rec.OpenedAt = openedAt.UTC()
	rec.ClosedAt = closedAt.UTC()
	return rec, nil
}
