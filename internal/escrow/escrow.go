// Package escrow is the collateral ledger: per-account per-currency cash
// and deposit balances, free-collateral aggregation across currencies,
// custody-backed deposit/withdraw, and the cross-currency settlement and
// liquidation flows with their reserve-account fallback.
//
// The ledger runs inside the single-threaded execution core, so there is
// no locking; callers serialize operations. Every balance mutation is
// overflow-checked and every external transfer happens after internal
// state is updated.
package escrow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"FutureCash/internal/events"
	"FutureCash/internal/fixed"
	"FutureCash/internal/market"
	"FutureCash/internal/portfolio"
	"FutureCash/internal/risk"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")

	// ErrUndercollateralized is returned when an operation would leave the
	// account's aggregate free collateral below zero.
	ErrUndercollateralized = errors.New("escrow: free collateral below zero")

	// ErrUnknownCurrency is returned for currencies with no exchange rate
	// listing.
	ErrUnknownCurrency = errors.New("escrow: unknown currency")

	// ErrOracleRate is returned when the oracle reports a non-positive
	// rate. There is no safe fallback price.
	ErrOracleRate = errors.New("escrow: invalid oracle rate")

	// ErrSelfLiquidation is returned when an account tries to liquidate
	// itself.
	ErrSelfLiquidation = errors.New("escrow: cannot liquidate self")

	// ErrAccountSolvent is returned when liquidation is attempted against
	// an account with non-negative free collateral.
	ErrAccountSolvent = errors.New("escrow: account is solvent")

	// ErrPriceDivergence is returned when the venue spot price and the
	// oracle rate diverge beyond the discount margin.
	ErrPriceDivergence = errors.New("escrow: venue price diverges from oracle")

	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")

	// ErrOverflow is returned when a balance mutation would wrap.
	ErrOverflow = errors.New("escrow: balance overflow")
)

// Balance is one account's holdings in one currency. Cash is the signed
// trading balance (negative means debt); Deposited is custody-backed
// collateral and never goes negative.
type Balance struct {
	Cash      int64
	Deposited int64
}

// Net is the balance's contribution to free collateral.
func (b Balance) Net() int64 {
	return b.Cash + b.Deposited
}

// Custody performs the real token transfers backing deposits and
// withdrawals. Deposit returns the amount actually received so
// fee-on-transfer tokens credit what arrived, not what was requested.
type Custody interface {
	Deposit(account uuid.UUID, currency portfolio.CurrencyID, amount int64) (int64, error)
	Withdraw(account uuid.UUID, currency portfolio.CurrencyID, amount int64) error
}

// Oracle supplies exchange rates at fixed.RatePrecision scale. A
// non-positive reading is a hard failure.
type Oracle interface {
	LatestRate(base, quote portfolio.CurrencyID) (int64, error)
}

// Ledger is the collateral ledger.
type Ledger struct {
	balances map[uuid.UUID]map[portfolio.CurrencyID]*Balance
	rates    *RateTable
	custody  Custody
	oracle   Oracle

	positions *portfolio.Ledger
	rsk       *risk.Engine
	amm       *market.Directory

	reserve uuid.UUID
	quote   portfolio.CurrencyID

	events events.Publisher
	log    zerolog.Logger
}

// NewLedger wires the collateral ledger to its collaborators. quote is the
// common unit every balance converts into for the aggregate free-collateral
// figure. reserve is the protocol reserve account.
func NewLedger(
	positions *portfolio.Ledger,
	rsk *risk.Engine,
	amm *market.Directory,
	rates *RateTable,
	custody Custody,
	oracle Oracle,
	quote portfolio.CurrencyID,
	reserve uuid.UUID,
	pub events.Publisher,
	log zerolog.Logger,
) *Ledger {
	return &Ledger{
		balances:  make(map[uuid.UUID]map[portfolio.CurrencyID]*Balance),
		rates:     rates,
		custody:   custody,
		oracle:    oracle,
		positions: positions,
		rsk:       rsk,
		amm:       amm,
		reserve:   reserve,
		quote:     quote,
		events:    pub,
		log:       log,
	}
}

// Reserve returns the protocol reserve account id.
func (l *Ledger) Reserve() uuid.UUID { return l.reserve }

// Quote returns the common quote currency.
func (l *Ledger) Quote() portfolio.CurrencyID { return l.quote }

// Balance returns a copy of the account's balance in a currency.
func (l *Ledger) Balance(account uuid.UUID, currency portfolio.CurrencyID) Balance {
	if b := l.balance(account, currency, false); b != nil {
		return *b
	}
	return Balance{}
}

// Balances returns a copy of every non-zero balance the account holds.
func (l *Ledger) Balances(account uuid.UUID) map[portfolio.CurrencyID]Balance {
	out := make(map[portfolio.CurrencyID]Balance)
	for c, b := range l.balances[account] {
		if b.Cash != 0 || b.Deposited != 0 {
			out[c] = *b
		}
	}
	return out
}

func (l *Ledger) balance(account uuid.UUID, currency portfolio.CurrencyID, create bool) *Balance {
	acct, ok := l.balances[account]
	if !ok {
		if !create {
			return nil
		}
		acct = make(map[portfolio.CurrencyID]*Balance)
		l.balances[account] = acct
	}
	b, ok := acct[currency]
	if !ok {
		if !create {
			return nil
		}
		b = &Balance{}
		acct[currency] = b
	}
	return b
}

// AccountSnapshot is an opaque copy of one account's balances, taken by
// batch orchestration so a failed batch can roll the account back.
type AccountSnapshot struct {
	account  uuid.UUID
	existed  bool
	balances map[portfolio.CurrencyID]Balance
}

// SnapshotAccount copies the account's balances.
func (l *Ledger) SnapshotAccount(account uuid.UUID) AccountSnapshot {
	snap := AccountSnapshot{account: account}
	acct, ok := l.balances[account]
	if !ok {
		return snap
	}
	snap.existed = true
	snap.balances = make(map[portfolio.CurrencyID]Balance, len(acct))
	for c, b := range acct {
		snap.balances[c] = *b
	}
	return snap
}

// RestoreAccount rolls the account back to a snapshot.
func (l *Ledger) RestoreAccount(snap AccountSnapshot) {
	if !snap.existed {
		delete(l.balances, snap.account)
		return
	}
	acct := make(map[portfolio.CurrencyID]*Balance, len(snap.balances))
	for c, b := range snap.balances {
		cp := b
		acct[c] = &cp
	}
	l.balances[snap.account] = acct
}

// checkpoint captures everything a forced-exchange flow can mutate: the
// balances of every account it touches, one account's positions, and the
// AMM pools. Restore unwinds all of it, so an abort mid-flow never leaves
// a funded tier behind.
type checkpoint struct {
	l         *Ledger
	accounts  []AccountSnapshot
	owner     uuid.UUID
	positions portfolio.AccountSnapshot
	pools     map[market.PoolKey]market.Market
}

func (l *Ledger) checkpointFor(positionsOwner uuid.UUID, accounts ...uuid.UUID) checkpoint {
	cp := checkpoint{
		l:         l,
		owner:     positionsOwner,
		positions: l.positions.SnapshotAccount(positionsOwner),
		pools:     l.amm.Checkpoint(),
	}
	for _, a := range accounts {
		cp.accounts = append(cp.accounts, l.SnapshotAccount(a))
	}
	return cp
}

func (cp checkpoint) restore() {
	for _, snap := range cp.accounts {
		cp.l.RestoreAccount(snap)
	}
	cp.l.positions.RestoreAccount(cp.owner, cp.positions)
	cp.l.amm.RestoreCheckpoint(cp.pools)
}

// DebitForWithdraw removes funds from the account without a solvency
// check or custody transfer. Batch execution debits first, runs its one
// aggregate free-collateral check, then completes the external transfers.
func (l *Ledger) DebitForWithdraw(account uuid.UUID, currency portfolio.CurrencyID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	b := l.balance(account, currency, false)
	if b == nil || b.Deposited+max64(b.Cash, 0) < amount {
		return ErrInsufficientBalance
	}
	fromDeposit := min64(amount, b.Deposited)
	b.Deposited -= fromDeposit
	b.Cash -= amount - fromDeposit
	return nil
}

// CompleteWithdraw performs the custody transfer and event for a debit
// already applied by DebitForWithdraw.
func (l *Ledger) CompleteWithdraw(account uuid.UUID, currency portfolio.CurrencyID, amount, blockTime int64) error {
	if err := l.custody.Withdraw(account, currency, amount); err != nil {
		return fmt.Errorf("custody withdraw: %w", err)
	}
	l.events.Publish(events.Withdrawn{
		Account:   account,
		Currency:  uint16(currency),
		Amount:    amount,
		BlockTime: blockTime,
	})
	return nil
}

// AdjustCash applies a signed delta to the account's cash balance. Used by
// the execution engine for trade legs; solvency is checked by the caller's
// aggregate free-collateral check, not here.
func (l *Ledger) AdjustCash(account uuid.UUID, currency portfolio.CurrencyID, delta int64) error {
	if !l.rates.Listed(currency) {
		return fmt.Errorf("%w: %d", ErrUnknownCurrency, currency)
	}
	b := l.balance(account, currency, true)
	next, ok := fixed.Add(b.Cash, delta)
	if !ok {
		return ErrOverflow
	}
	b.Cash = next
	return nil
}

// CreditDeposited returns funds to an account's deposited balance, used
// when an already-debited external transfer cannot complete.
func (l *Ledger) CreditDeposited(account uuid.UUID, currency portfolio.CurrencyID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	b := l.balance(account, currency, true)
	next, ok := fixed.Add(b.Deposited, amount)
	if !ok {
		return ErrOverflow
	}
	b.Deposited = next
	return nil
}

// CreditReserve adds protocol fee revenue to the reserve account.
func (l *Ledger) CreditReserve(currency portfolio.CurrencyID, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	b := l.balance(l.reserve, currency, true)
	next, ok := fixed.Add(b.Deposited, amount)
	if !ok {
		return ErrOverflow
	}
	b.Deposited = next
	return nil
}

// Deposit transfers collateral in through custody and credits the amount
// actually received.
func (l *Ledger) Deposit(account uuid.UUID, currency portfolio.CurrencyID, amount, blockTime int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if !l.rates.Listed(currency) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownCurrency, currency)
	}
	received, err := l.custody.Deposit(account, currency, amount)
	if err != nil {
		return 0, fmt.Errorf("custody deposit: %w", err)
	}
	if received <= 0 {
		return 0, fmt.Errorf("custody deposit: received %d", received)
	}
	b := l.balance(account, currency, true)
	next, ok := fixed.Add(b.Deposited, received)
	if !ok {
		return 0, ErrOverflow
	}
	b.Deposited = next
	l.events.Publish(events.Deposited{
		Account:   account,
		Currency:  uint16(currency),
		Requested: amount,
		Amount:    received,
		BlockTime: blockTime,
	})
	return received, nil
}

// Withdraw debits the account and re-checks free collateral before the
// custody transfer. Deposited collateral is drawn first, then positive
// cash.
func (l *Ledger) Withdraw(account uuid.UUID, currency portfolio.CurrencyID, amount, blockTime int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	b := l.balance(account, currency, false)
	if b == nil || b.Deposited+max64(b.Cash, 0) < amount {
		return ErrInsufficientBalance
	}
	// The free-collateral check below settles matured positions, which
	// touches the account's balances, its positions and the pools its
	// tokens redeem against. The rollback must cover all three.
	cp := l.checkpointFor(account, account)
	fromDeposit := min64(amount, b.Deposited)
	b.Deposited -= fromDeposit
	b.Cash -= amount - fromDeposit

	net, _, _, err := l.freeCollateral(account, blockTime, true, true)
	if err != nil {
		cp.restore()
		return err
	}
	if net < 0 {
		cp.restore()
		return ErrUndercollateralized
	}
	if err := l.custody.Withdraw(account, currency, amount); err != nil {
		cp.restore()
		return fmt.Errorf("custody withdraw: %w", err)
	}
	l.events.Publish(events.Withdrawn{
		Account:   account,
		Currency:  uint16(currency),
		Amount:    amount,
		BlockTime: blockTime,
	})
	return nil
}

// PostSettlement folds a settlement sweep's per-currency cash deltas into
// the account. Implements the portfolio settlement sink.
func (l *Ledger) PostSettlement(account uuid.UUID, deltas map[portfolio.CurrencyID]int64) error {
	for currency, delta := range deltas {
		if err := l.AdjustCash(account, currency, delta); err != nil {
			return fmt.Errorf("settle currency %d: %w", currency, err)
		}
	}
	return nil
}

var _ portfolio.SettlementSink = (*Ledger)(nil)

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
