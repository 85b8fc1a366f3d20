// Package persistence appends the protocol's event stream to Postgres:
// an event log plus a trade-history projection, written by a batching
// worker. The recorder sits in the publish path, assigns each event a
// sequence, and forwards it both downstream and to the worker.
package persistence

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"FutureCash/internal/events"
)

// Record is one sequenced event on its way to Postgres.
type Record struct {
	Row   EventRow
	Trade *TradeRow
}

// Recorder wraps a downstream publisher. Sends to the worker channel
// block: if the persistence worker falls behind, execution stalls rather
// than losing history.
type Recorder struct {
	next int64
	out  chan<- Record
	down events.Publisher
	log  zerolog.Logger
}

// NewRecorder creates a recorder starting at the given sequence. start
// should be one past the highest sequence already in the event log.
func NewRecorder(start int64, out chan<- Record, down events.Publisher, log zerolog.Logger) *Recorder {
	return &Recorder{next: start, out: out, down: down, log: log}
}

var _ events.Publisher = (*Recorder)(nil)

// Publish records the event and forwards it downstream.
func (r *Recorder) Publish(e events.Event) {
	seq := r.next
	r.next++

	payload, err := json.Marshal(e)
	if err != nil {
		r.log.Warn().Err(err).Str("subject", e.Subject()).Msg("marshal event for persistence")
		payload = []byte("{}")
	}

	rec := Record{
		Row: EventRow{
			Sequence:   seq,
			Subject:    e.Subject(),
			Account:    eventAccount(e),
			Payload:    payload,
			RecordedAt: time.Now().UTC(),
		},
		Trade: tradeRow(seq, e),
	}

	r.out <- rec
	r.down.Publish(e)
}

// Sequence returns the next sequence the recorder will assign.
func (r *Recorder) Sequence() int64 { return r.next }

func eventAccount(e events.Event) *string {
	var s string
	switch ev := e.(type) {
	case events.TradeExecuted:
		s = ev.Account.String()
	case events.LiquidityChanged:
		s = ev.Account.String()
	case events.Deposited:
		s = ev.Account.String()
	case events.Withdrawn:
		s = ev.Account.String()
	case events.PortfolioSettled:
		s = ev.Account.String()
	case events.CashSettled:
		s = ev.Payer.String()
	case events.Liquidated:
		s = ev.Account.String()
	default:
		return nil
	}
	return &s
}

func tradeRow(seq int64, e events.Event) *TradeRow {
	ev, ok := e.(events.TradeExecuted)
	if !ok {
		return nil
	}
	return &TradeRow{
		Sequence:    seq,
		Account:     ev.Account.String(),
		GroupID:     ev.Group,
		Maturity:    ev.Maturity,
		Kind:        ev.Kind,
		FutureCash:  ev.FutureCash,
		Collateral:  ev.Collateral,
		Fee:         ev.Fee,
		ImpliedRate: int64(ev.ImpliedRate),
		BlockTime:   ev.BlockTime,
	}
}
