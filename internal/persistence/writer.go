package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventRow is a row in event_log.events: one protocol event, JSON payload,
// with the recorder-assigned sequence as the idempotency key.
type EventRow struct {
	Sequence   int64
	Subject    string
	Account    *string
	Payload    []byte
	RecordedAt time.Time
}

// TradeRow is a row in event_log.trades, the trade-history projection.
type TradeRow struct {
	Sequence    int64
	Account     string
	GroupID     uint16
	Maturity    int64
	Kind        string
	FutureCash  int64
	Collateral  int64
	Fee         int64
	ImpliedRate int64
	BlockTime   int64
}

// Writer writes event and trade batches to Postgres with multi-row
// INSERTs. ON CONFLICT DO NOTHING makes retried batches idempotent.
type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

func (w *Writer) DB() *sql.DB { return w.db }

// WriteEventBatch writes a batch of events inside tx.
func (w *Writer) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, subject, account, payload, recorded_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*5)

	for i, e := range events {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, e.Sequence, e.Subject, e.Account, e.Payload, e.RecordedAt)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTradeBatch writes a batch of trade-history rows inside tx.
func (w *Writer) WriteTradeBatch(ctx context.Context, tx *sql.Tx, trades []TradeRow) error {
	if len(trades) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.trades
		(sequence, account, group_id, maturity, kind, future_cash, collateral, fee, implied_rate, block_time)
		VALUES `

	values := make([]string, 0, len(trades))
	args := make([]interface{}, 0, len(trades)*10)

	for i, t := range trades {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			t.Sequence, t.Account, t.GroupID, t.Maturity, t.Kind,
			t.FutureCash, t.Collateral, t.Fee, t.ImpliedRate, t.BlockTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
