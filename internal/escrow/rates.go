package escrow

import (
	"fmt"

	"FutureCash/internal/fixed"
	"FutureCash/internal/portfolio"
)

// ExchangeRate is the governance listing for one currency: how it
// converts to the common quote unit and the multipliers applied when its
// balances are negative or force-exchanged. All factors are at
// fixed.RatePrecision scale.
type ExchangeRate struct {
	Base  portfolio.CurrencyID
	Quote portfolio.CurrencyID

	// Haircut multiplies negative balances in free-collateral math.
	Haircut int64

	// SettlementDiscount prices cross-currency purchases during cash
	// settlement.
	SettlementDiscount int64

	// LiquidationDiscount prices cross-currency purchases during
	// liquidation. Steeper than the settlement discount.
	LiquidationDiscount int64
}

// Validate enforces the ordering that keeps forced exchanges solvent:
// haircut >= liquidationDiscount >= settlementDiscount >= 1. A haircut
// below the discounts would let a forced exchange extract more value than
// the risk model reserved for it.
func (r ExchangeRate) Validate() error {
	if r.Base == 0 {
		return fmt.Errorf("base currency must be non-zero")
	}
	if r.SettlementDiscount < fixed.RatePrecision {
		return fmt.Errorf("settlement discount %d below 1.0", r.SettlementDiscount)
	}
	if r.LiquidationDiscount < r.SettlementDiscount {
		return fmt.Errorf("liquidation discount %d below settlement discount %d", r.LiquidationDiscount, r.SettlementDiscount)
	}
	if r.Haircut < r.LiquidationDiscount {
		return fmt.Errorf("haircut %d below liquidation discount %d", r.Haircut, r.LiquidationDiscount)
	}
	return nil
}

// VenuePrice is an optional on-chain price source used to cross-check the
// oracle before forced exchanges. ok=false means no venue lists the pair.
type VenuePrice interface {
	SpotRate(base, quote portfolio.CurrencyID) (int64, bool)
}

// RateTable holds the governance currency listings.
type RateTable struct {
	entries map[portfolio.CurrencyID]ExchangeRate
	venue   VenuePrice
}

func NewRateTable(venue VenuePrice) *RateTable {
	return &RateTable{entries: make(map[portfolio.CurrencyID]ExchangeRate), venue: venue}
}

// Set lists or updates a currency. Invalid listings are rejected at write
// time so read paths never re-validate.
func (t *RateTable) Set(r ExchangeRate) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("listing for currency %d: %w", r.Base, err)
	}
	t.entries[r.Base] = r
	return nil
}

// Get returns a currency's listing.
func (t *RateTable) Get(currency portfolio.CurrencyID) (ExchangeRate, bool) {
	r, ok := t.entries[currency]
	return r, ok
}

// Listed reports whether the currency has a listing.
func (t *RateTable) Listed(currency portfolio.CurrencyID) bool {
	_, ok := t.entries[currency]
	return ok
}

// Entries returns all listings, unordered.
func (t *RateTable) Entries() []ExchangeRate {
	out := make([]ExchangeRate, 0, len(t.entries))
	for _, r := range t.entries {
		out = append(out, r)
	}
	return out
}

// oracleRate fetches and validates the base->quote oracle rate. The quote
// currency converts at par without an oracle round trip.
func (l *Ledger) oracleRate(currency portfolio.CurrencyID) (int64, error) {
	if currency == l.quote {
		return fixed.RatePrecision, nil
	}
	entry, ok := l.rates.Get(currency)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownCurrency, currency)
	}
	rate, err := l.oracle.LatestRate(entry.Base, entry.Quote)
	if err != nil {
		return 0, fmt.Errorf("oracle %d->%d: %w", entry.Base, entry.Quote, err)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("%w: %d->%d returned %d", ErrOracleRate, entry.Base, entry.Quote, rate)
	}
	return rate, nil
}

// toQuote converts a signed local-currency amount into the quote unit.
func (l *Ledger) toQuote(currency portfolio.CurrencyID, amount int64) (int64, error) {
	rate, err := l.oracleRate(currency)
	if err != nil {
		return 0, err
	}
	return convertSigned(amount, rate, fixed.RatePrecision)
}

// fromQuote converts a signed quote-unit amount into local currency.
func (l *Ledger) fromQuote(currency portfolio.CurrencyID, amount int64) (int64, error) {
	rate, err := l.oracleRate(currency)
	if err != nil {
		return 0, err
	}
	return convertSigned(amount, fixed.RatePrecision, rate)
}

// crossRate is the local->deposit currency rate at fixed.RatePrecision.
func (l *Ledger) crossRate(local, deposit portfolio.CurrencyID) (int64, error) {
	localRate, err := l.oracleRate(local)
	if err != nil {
		return 0, err
	}
	depositRate, err := l.oracleRate(deposit)
	if err != nil {
		return 0, err
	}
	cross, ok := fixed.MulDivRate(localRate, fixed.RatePrecision, depositRate)
	if !ok || cross <= 0 {
		return 0, fmt.Errorf("%w: cross %d->%d", ErrOracleRate, local, deposit)
	}
	return cross, nil
}

// checkDivergence rejects a forced exchange when the venue's spot price
// for the pair strays from the oracle cross rate by more than the
// discount's margin. A stale oracle plus a moved venue price is how a
// settler extracts value, so the exchange aborts instead.
func (l *Ledger) checkDivergence(local, deposit portfolio.CurrencyID, oracleCross, discount int64) error {
	if l.rates.venue == nil {
		return nil
	}
	spot, ok := l.rates.venue.SpotRate(local, deposit)
	if !ok {
		return nil
	}
	if spot <= 0 {
		return fmt.Errorf("%w: venue %d->%d returned %d", ErrOracleRate, local, deposit, spot)
	}
	margin := discount - fixed.RatePrecision
	diff := spot - oracleCross
	if diff < 0 {
		diff = -diff
	}
	// A discount of exactly 1.0 leaves no margin; the spot must match the
	// oracle cross rate exactly.
	var bound int64
	if margin > 0 {
		bound, ok = fixed.MulDivRate(oracleCross, margin, fixed.RatePrecision)
		if !ok {
			return ErrOverflow
		}
	}
	if diff > bound {
		return fmt.Errorf("%w: spot %d vs oracle %d", ErrPriceDivergence, spot, oracleCross)
	}
	return nil
}

// convertSigned scales amount by num/den, carrying the sign outside the
// unsigned fixed-point helper.
func convertSigned(amount, num, den int64) (int64, error) {
	neg := amount < 0
	mag, ok := fixed.Abs(amount)
	if !ok {
		return 0, ErrOverflow
	}
	v, ok := fixed.MulDivRate(mag, num, den)
	if !ok {
		return 0, ErrOverflow
	}
	if neg {
		return -v, nil
	}
	return v, nil
}
