package persistence

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"FutureCash/internal/events"
)

type captureDown struct {
	published []events.Event
}

func (c *captureDown) Publish(e events.Event) {
	c.published = append(c.published, e)
}

func TestRecorder_SequencesAndForwards(t *testing.T) {
	out := make(chan Record, 8)
	down := &captureDown{}
	rec := NewRecorder(42, out, down, zerolog.Nop())

	account := uuid.New()
	rec.Publish(events.TradeExecuted{
		Account:     account,
		Group:       1,
		Maturity:    5_184_000,
		Kind:        "Lend",
		FutureCash:  100_000,
		Collateral:  95_400,
		Fee:         12,
		ImpliedRate: 50_000_000,
		BlockTime:   2_592_000,
	})
	rec.Publish(events.Deposited{
		Account:   account,
		Currency:  1,
		Requested: 500,
		Amount:    500,
		BlockTime: 2_592_000,
	})

	if rec.Sequence() != 44 {
		t.Fatalf("next sequence = %d, want 44", rec.Sequence())
	}
	if len(down.published) != 2 {
		t.Fatalf("forwarded %d events downstream, want 2", len(down.published))
	}

	trade := <-out
	if trade.Row.Sequence != 42 {
		t.Fatalf("trade sequence = %d", trade.Row.Sequence)
	}
	if trade.Row.Subject != "fc.trades.executed" {
		t.Fatalf("trade subject = %s", trade.Row.Subject)
	}
	if trade.Row.Account == nil || *trade.Row.Account != account.String() {
		t.Fatalf("trade account = %v", trade.Row.Account)
	}
	if trade.Trade == nil {
		t.Fatal("trade event missing history projection")
	}
	if trade.Trade.Kind != "Lend" || trade.Trade.Collateral != 95_400 {
		t.Fatalf("trade projection = %+v", trade.Trade)
	}

	var decoded events.TradeExecuted
	if err := json.Unmarshal(trade.Row.Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.FutureCash != 100_000 {
		t.Fatalf("payload future cash = %d", decoded.FutureCash)
	}

	deposit := <-out
	if deposit.Row.Sequence != 43 {
		t.Fatalf("deposit sequence = %d", deposit.Row.Sequence)
	}
	if deposit.Trade != nil {
		t.Fatal("deposit event should not project into trade history")
	}
}

func TestRecorder_NoAccountForMarketEvents(t *testing.T) {
	out := make(chan Record, 1)
	rec := NewRecorder(1, out, events.Nop{}, zerolog.Nop())

	rec.Publish(events.MarketInitialized{Group: 1, Maturity: 5_184_000})

	got := <-out
	if got.Row.Account != nil {
		t.Fatalf("market event carries account %v", *got.Row.Account)
	}
}
