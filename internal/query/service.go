// Package query is the read side of the service: trade and event history
// from the Postgres projections, and live ledger/market views taken
// through a serializing gate on the execution engine.
package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// instrumentExp and rateExp convert fixed-point int64 amounts to decimal
// strings: instrument quantities carry 9 fractional digits, oracle rates
// and haircuts 18.
const (
	instrumentExp = -9
	rateExp       = -18
)

func formatAmount(v int64) string {
	return decimal.New(v, instrumentExp).String()
}

// Amount formats a fixed-point instrument quantity for API responses.
func Amount(v int64) string {
	return formatAmount(v)
}

func formatRate(v int64) string {
	return decimal.New(v, rateExp).String()
}

// Service provides read-only access to the Postgres history projections.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// TradeHistory returns an account's executed trades, newest first.
func (s *Service) TradeHistory(ctx context.Context, account uuid.UUID, limit int) ([]TradeHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, account, group_id, maturity, kind,
		       future_cash, collateral, fee, implied_rate, block_time
		FROM event_log.trades
		WHERE account = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeHistoryEntry
	for rows.Next() {
		var t TradeHistoryEntry
		var futureCash, collateral, fee int64
		if err := rows.Scan(
			&t.Sequence, &t.Account, &t.Group, &t.Maturity, &t.Kind,
			&futureCash, &collateral, &fee, &t.ImpliedRate, &t.BlockTime,
		); err != nil {
			return nil, err
		}
		t.FutureCash = formatAmount(futureCash)
		t.Collateral = formatAmount(collateral)
		t.Fee = formatAmount(fee)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// EventHistory returns an account's raw events, newest first.
func (s *Service) EventHistory(ctx context.Context, account uuid.UUID, limit int) ([]EventHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, subject, payload,
		       EXTRACT(EPOCH FROM recorded_at)::BIGINT
		FROM event_log.events
		WHERE account = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []EventHistoryEntry
	for rows.Next() {
		var e EventHistoryEntry
		if err := rows.Scan(&e.Sequence, &e.Subject, &e.Payload, &e.RecordedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
