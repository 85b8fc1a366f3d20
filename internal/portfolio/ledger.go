package portfolio

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"FutureCash/internal/fixed"
)

var (
	// ErrPortfolioTooLarge is returned when an upsert would exceed the
	// per-account position cap.
	ErrPortfolioTooLarge = errors.New("portfolio: too many positions for account")

	// ErrNegativeLiquidity is returned when a token removal exceeds the
	// account's holding. Token notional never wraps below zero.
	ErrNegativeLiquidity = errors.New("portfolio: liquidity tokens cannot go negative")

	// ErrUnknownGroup is returned for trades referencing an unregistered group.
	ErrUnknownGroup = errors.New("portfolio: unknown future-cash group")

	// ErrInvalidTrade is returned for malformed trade legs.
	ErrInvalidTrade = errors.New("portfolio: invalid trade")
)

// Ledger holds every account's positions. It is mutated only by trusted
// collaborators (the markets, settlement, and the engine) under the
// single-threaded execution model, so there is no lock.
type Ledger struct {
	accounts     map[uuid.UUID]map[PositionKey]*Position
	groups       *GroupDirectory
	maxPositions int
	log          zerolog.Logger
}

func NewLedger(groups *GroupDirectory, maxPositions int, log zerolog.Logger) *Ledger {
	return &Ledger{
		accounts:     make(map[uuid.UUID]map[PositionKey]*Position),
		groups:       groups,
		maxPositions: maxPositions,
		log:          log,
	}
}

// Groups returns the group catalog the ledger keys positions against.
func (l *Ledger) Groups() *GroupDirectory {
	return l.groups
}

// Upsert applies one trade leg to the account's portfolio, netting against
// any existing position at the same key. Opposite cash legs collapse and
// may flip sign; token removals that exceed the holding fail with
// ErrNegativeLiquidity and leave the portfolio untouched.
func (l *Ledger) Upsert(account uuid.UUID, t Trade) error {
	if t.Notional < 0 {
		return fmt.Errorf("%w: negative notional %d", ErrInvalidTrade, t.Notional)
	}
	if t.Notional == 0 {
		return nil
	}
	if _, ok := l.groups.Get(t.Group); !ok {
		return fmt.Errorf("%w: group %d", ErrUnknownGroup, t.Group)
	}

	key := PositionKey{Group: t.Group, Instrument: t.Instrument, Maturity: t.Maturity}
	positions := l.accounts[account]
	pos := positions[key]

	if pos == nil {
		// Appending a token removal with no holding to net against is always
		// a negative-liquidity error.
		if t.Kind == KindLiquidityTokenRemoval {
			return fmt.Errorf("%w: removal of %d with no holding", ErrNegativeLiquidity, t.Notional)
		}
		if len(positions) >= l.maxPositions {
			return fmt.Errorf("%w: limit %d", ErrPortfolioTooLarge, l.maxPositions)
		}
		if positions == nil {
			positions = make(map[PositionKey]*Position)
			l.accounts[account] = positions
		}
		pos = &Position{Key: key}
		positions[key] = pos
	}

	switch t.Kind {
	case KindCashPayer:
		c, ok := fixed.Sub(pos.Cash, t.Notional)
		if !ok {
			return fmt.Errorf("portfolio: cash notional overflow at %+v", key)
		}
		pos.Cash = c

	case KindCashReceiver:
		c, ok := fixed.Add(pos.Cash, t.Notional)
		if !ok {
			return fmt.Errorf("portfolio: cash notional overflow at %+v", key)
		}
		pos.Cash = c

	case KindLiquidityToken:
		tk, ok := fixed.Add(pos.Tokens, t.Notional)
		if !ok {
			return fmt.Errorf("portfolio: token notional overflow at %+v", key)
		}
		pos.Tokens = tk

	case KindLiquidityTokenRemoval:
		if t.Notional > pos.Tokens {
			return fmt.Errorf("%w: removal of %d exceeds holding %d", ErrNegativeLiquidity, t.Notional, pos.Tokens)
		}
		pos.Tokens -= t.Notional

	default:
		return fmt.Errorf("%w: kind %v", ErrInvalidTrade, t.Kind)
	}

	if pos.Empty() {
		delete(positions, key)
	}
	return nil
}

// UpsertAll applies a set of trade legs atomically: if any leg fails the
// portfolio is restored to its prior state.
func (l *Ledger) UpsertAll(account uuid.UUID, trades []Trade) error {
	backup := l.snapshotAccount(account)
	for i, t := range trades {
		if err := l.Upsert(account, t); err != nil {
			l.restoreAccount(account, backup)
			return fmt.Errorf("trade leg %d: %w", i, err)
		}
	}
	return nil
}

// Portfolio returns the account's positions sorted by key: group, then
// instrument, then maturity. The risk engine and tradePortfolio both rely
// on this ordering to batch work at group boundaries.
func (l *Ledger) Portfolio(account uuid.UUID) []Position {
	positions := l.accounts[account]
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Instrument != b.Instrument {
			return a.Instrument < b.Instrument
		}
		return a.Maturity < b.Maturity
	})
	return out
}

// Get returns a copy of the position at key, if any.
func (l *Ledger) Get(account uuid.UUID, key PositionKey) (Position, bool) {
	pos := l.accounts[account][key]
	if pos == nil {
		return Position{}, false
	}
	return *pos, true
}

// Size returns the number of positions the account holds.
func (l *Ledger) Size(account uuid.UUID) int {
	return len(l.accounts[account])
}

// Empty reports whether the account has no positions at all.
func (l *Ledger) Empty(account uuid.UUID) bool {
	return len(l.accounts[account]) == 0
}

// AccountSnapshot is an opaque copy of one account's positions, taken by
// batch orchestration so a failed batch can restore the account wholesale.
type AccountSnapshot struct {
	positions map[PositionKey]Position
}

// SnapshotAccount copies the account's positions.
func (l *Ledger) SnapshotAccount(account uuid.UUID) AccountSnapshot {
	return AccountSnapshot{positions: l.snapshotAccount(account)}
}

// RestoreAccount rolls the account back to a snapshot.
func (l *Ledger) RestoreAccount(account uuid.UUID, snap AccountSnapshot) {
	l.restoreAccount(account, snap.positions)
}

func (l *Ledger) snapshotAccount(account uuid.UUID) map[PositionKey]Position {
	positions := l.accounts[account]
	if positions == nil {
		return nil
	}
	snap := make(map[PositionKey]Position, len(positions))
	for k, p := range positions {
		snap[k] = *p
	}
	return snap
}

func (l *Ledger) restoreAccount(account uuid.UUID, snap map[PositionKey]Position) {
	if snap == nil {
		delete(l.accounts, account)
		return
	}
	positions := make(map[PositionKey]*Position, len(snap))
	for k, p := range snap {
		cp := p
		positions[k] = &cp
	}
	l.accounts[account] = positions
}

// mutate returns the stored position pointer for in-place adjustment by
// settlement and portfolio trading, creating it if needed. Callers must
// clean up empty entries via compact.
func (l *Ledger) mutate(account uuid.UUID, key PositionKey) *Position {
	positions := l.accounts[account]
	if positions == nil {
		positions = make(map[PositionKey]*Position)
		l.accounts[account] = positions
	}
	pos := positions[key]
	if pos == nil {
		pos = &Position{Key: key}
		positions[key] = pos
	}
	return pos
}

// compact removes netted-out positions for the account.
func (l *Ledger) compact(account uuid.UUID) {
	positions := l.accounts[account]
	for k, p := range positions {
		if p.Empty() {
			delete(positions, k)
		}
	}
	if len(positions) == 0 {
		delete(l.accounts, account)
	}
}
