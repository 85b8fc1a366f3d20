package engine

import (
	"fmt"

	"github.com/google/uuid"

	"FutureCash/internal/escrow"
	"FutureCash/internal/events"
	"FutureCash/internal/market"
	"FutureCash/internal/portfolio"
)

// TradeType selects the market operation a batch trade performs.
type TradeType int32

const (
	TradeUnknown TradeType = iota
	// TradeBorrow sells future cash to the pool for collateral now.
	TradeBorrow
	// TradeLend buys future cash from the pool for collateral now.
	TradeLend
	// TradeAddLiquidity deposits collateral and mints pool tokens.
	TradeAddLiquidity
	// TradeRemoveLiquidity burns pool tokens for the pro-rata balances.
	TradeRemoveLiquidity
)

func (t TradeType) String() string {
	switch t {
	case TradeBorrow:
		return "Borrow"
	case TradeLend:
		return "Lend"
	case TradeAddLiquidity:
		return "AddLiquidity"
	case TradeRemoveLiquidity:
		return "RemoveLiquidity"
	default:
		return "Unknown"
	}
}

// Deposit moves external funds into the account before trading.
type Deposit struct {
	Currency portfolio.CurrencyID
	Amount   int64
}

// Trade is one market operation inside a batch. Amount is future cash for
// Borrow/Lend, collateral for AddLiquidity, and tokens for RemoveLiquidity.
// MaxFutureCash bounds the payer obligation minted by AddLiquidity. The
// implied-rate bounds protect against slippage; zero MaxImpliedRate means
// unbounded.
type Trade struct {
	Type           TradeType
	Group          portfolio.GroupID
	Instrument     portfolio.InstrumentID
	Maturity       int64
	Amount         int64
	MaxFutureCash  int64
	MinImpliedRate uint32
	MaxImpliedRate uint32
}

// Withdraw moves funds out after trading. Amount 0 withdraws whatever
// residual balance the trades left behind.
type Withdraw struct {
	Currency portfolio.CurrencyID
	Amount   int64
}

// Batch is an atomic sequence of account operations: deposits run first,
// then trades, then withdraws, and a single free-collateral check decides
// whether the whole batch stands. Deadline is a unix-seconds expiry; the
// batch is rejected before any mutation if the block time has passed it.
type Batch struct {
	Account   uuid.UUID
	Deadline  int64
	Deposits  []Deposit
	Trades    []Trade
	Withdraws []Withdraw
}

// snapshot captures everything a batch can mutate after its deposits.
type snapshot struct {
	account   escrow.AccountSnapshot
	reserve   escrow.AccountSnapshot
	positions portfolio.AccountSnapshot
	pools     map[market.PoolKey]market.Market
}

// Execute runs a batch atomically. Deposits are external funds coming in
// and stand on their own; everything after them is rolled back if any
// trade fails, any withdraw debit fails, or the account finishes with
// negative free collateral. Custody withdrawals run last, after the batch
// has committed.
func (e *Engine) Execute(caller uuid.UUID, b Batch, blockTime int64) error {
	if !e.auth.Authorized(caller, b.Account) {
		return ErrUnauthorized
	}
	if b.Deadline != 0 && blockTime >= b.Deadline {
		return ErrDeadlineExceeded
	}

	for _, d := range b.Deposits {
		if _, err := e.collateral.Deposit(b.Account, d.Currency, d.Amount, blockTime); err != nil {
			return fmt.Errorf("deposit %d: %w", d.Currency, err)
		}
	}

	snap := snapshot{
		account:   e.collateral.SnapshotAccount(b.Account),
		reserve:   e.collateral.SnapshotAccount(e.collateral.Reserve()),
		positions: e.positions.SnapshotAccount(b.Account),
		pools:     e.amm.Checkpoint(),
	}

	withdraws, err := e.executeTrades(b, blockTime)
	if err == nil {
		err = e.validateCollateral(b.Account, blockTime)
	}
	if err != nil {
		e.collateral.RestoreAccount(snap.account)
		e.collateral.RestoreAccount(snap.reserve)
		e.positions.RestoreAccount(b.Account, snap.positions)
		e.amm.RestoreCheckpoint(snap.pools)
		return err
	}

	e.completeWithdraws(b.Account, withdraws, blockTime)
	return nil
}

// executeTrades runs the trade and withdraw-debit legs. Withdrawn funds
// are debited here so the free-collateral check sees the post-withdraw
// account; the external transfers happen only after the batch commits.
// Returns the resolved withdraw amounts.
func (e *Engine) executeTrades(b Batch, blockTime int64) ([]Withdraw, error) {
	for i, t := range b.Trades {
		if err := e.executeTrade(b.Account, t, blockTime); err != nil {
			return nil, fmt.Errorf("trade %d (%s): %w", i, t.Type, err)
		}
	}

	resolved := make([]Withdraw, 0, len(b.Withdraws))
	for i, w := range b.Withdraws {
		amount := w.Amount
		if amount == 0 {
			amount = e.collateral.Balance(b.Account, w.Currency).Net()
			if amount <= 0 {
				continue
			}
		}
		if err := e.collateral.DebitForWithdraw(b.Account, w.Currency, amount); err != nil {
			return nil, fmt.Errorf("withdraw %d: %w", i, err)
		}
		resolved = append(resolved, Withdraw{Currency: w.Currency, Amount: amount})
	}
	return resolved, nil
}

func (e *Engine) executeTrade(account uuid.UUID, t Trade, blockTime int64) error {
	g, ok := e.groups.Get(t.Group)
	if !ok {
		return market.ErrUnknownGroup
	}
	currency := g.Currency

	switch t.Type {
	case TradeBorrow:
		res, err := e.amm.TakeCollateral(t.Group, t.Maturity, t.Amount, t.MaxImpliedRate, blockTime)
		if err != nil {
			return err
		}
		if err := e.collateral.AdjustCash(account, currency, res.Collateral); err != nil {
			return err
		}
		if err := e.collateral.CreditReserve(currency, res.Fee); err != nil {
			return err
		}
		if err := e.positions.Upsert(account, portfolio.Trade{
			Group:      t.Group,
			Instrument: t.Instrument,
			Maturity:   t.Maturity,
			Kind:       portfolio.KindCashPayer,
			Notional:   t.Amount,
		}); err != nil {
			return err
		}
		e.events.Publish(events.TradeExecuted{
			Account:     account,
			Group:       uint16(t.Group),
			Maturity:    t.Maturity,
			Kind:        "Borrow",
			FutureCash:  t.Amount,
			Collateral:  res.Collateral,
			Fee:         res.Fee,
			ImpliedRate: res.ImpliedRate,
			BlockTime:   blockTime,
		})
		return nil

	case TradeLend:
		res, err := e.amm.TakeFutureCash(t.Group, t.Maturity, t.Amount, t.MinImpliedRate, blockTime)
		if err != nil {
			return err
		}
		// res.Collateral is already the fee-inclusive cost.
		if err := e.collateral.AdjustCash(account, currency, -res.Collateral); err != nil {
			return err
		}
		if err := e.collateral.CreditReserve(currency, res.Fee); err != nil {
			return err
		}
		if err := e.positions.Upsert(account, portfolio.Trade{
			Group:      t.Group,
			Instrument: t.Instrument,
			Maturity:   t.Maturity,
			Kind:       portfolio.KindCashReceiver,
			Notional:   t.Amount,
		}); err != nil {
			return err
		}
		e.events.Publish(events.TradeExecuted{
			Account:     account,
			Group:       uint16(t.Group),
			Maturity:    t.Maturity,
			Kind:        "Lend",
			FutureCash:  t.Amount,
			Collateral:  res.Collateral,
			Fee:         res.Fee,
			ImpliedRate: res.ImpliedRate,
			BlockTime:   blockTime,
		})
		return nil

	case TradeAddLiquidity:
		fresh := !e.poolExists(t.Group, t.Maturity)
		res, err := e.amm.AddLiquidity(t.Group, t.Maturity, t.Amount, t.MaxFutureCash, t.MinImpliedRate, t.MaxImpliedRate, blockTime)
		if err != nil {
			return err
		}
		if err := e.collateral.AdjustCash(account, currency, -res.Collateral); err != nil {
			return err
		}
		if err := e.positions.UpsertAll(account, []portfolio.Trade{
			{Group: t.Group, Instrument: t.Instrument, Maturity: t.Maturity, Kind: portfolio.KindLiquidityToken, Notional: res.Tokens},
			{Group: t.Group, Instrument: t.Instrument, Maturity: t.Maturity, Kind: portfolio.KindCashPayer, Notional: res.FutureCash},
		}); err != nil {
			return err
		}
		if fresh {
			if m, ok := e.amm.Snapshot(t.Group, t.Maturity); ok {
				e.events.Publish(events.MarketInitialized{
					Group:       uint16(t.Group),
					Maturity:    t.Maturity,
					RateScalar:  m.RateScalar,
					RateAnchor:  m.RateAnchor,
					ImpliedRate: m.LastImpliedRate,
					BlockTime:   blockTime,
				})
			}
		}
		e.events.Publish(events.LiquidityChanged{
			Account:    account,
			Group:      uint16(t.Group),
			Maturity:   t.Maturity,
			Tokens:     res.Tokens,
			FutureCash: res.FutureCash,
			Collateral: res.Collateral,
			BlockTime:  blockTime,
		})
		return nil

	case TradeRemoveLiquidity:
		res, err := e.amm.RemoveLiquidity(t.Group, t.Maturity, t.Amount, blockTime)
		if err != nil {
			return err
		}
		if err := e.collateral.AdjustCash(account, currency, res.Collateral); err != nil {
			return err
		}
		if err := e.positions.UpsertAll(account, []portfolio.Trade{
			{Group: t.Group, Instrument: t.Instrument, Maturity: t.Maturity, Kind: portfolio.KindLiquidityTokenRemoval, Notional: res.Tokens},
			{Group: t.Group, Instrument: t.Instrument, Maturity: t.Maturity, Kind: portfolio.KindCashReceiver, Notional: res.FutureCash},
		}); err != nil {
			return err
		}
		e.events.Publish(events.LiquidityChanged{
			Account:    account,
			Group:      uint16(t.Group),
			Maturity:   t.Maturity,
			Tokens:     -res.Tokens,
			FutureCash: res.FutureCash,
			Collateral: -res.Collateral,
			BlockTime:  blockTime,
		})
		return nil

	default:
		return ErrUnknownTradeType
	}
}

// validateCollateral runs the single aggregate free-collateral check for
// the batch, settling matured positions first.
func (e *Engine) validateCollateral(account uuid.UUID, blockTime int64) error {
	net, _, _, err := e.collateral.FreeCollateral(account, blockTime)
	if err != nil {
		return err
	}
	if net < 0 {
		return fmt.Errorf("free collateral %d: %w", net, escrow.ErrUndercollateralized)
	}
	return nil
}

// completeWithdraws performs the custody transfers for an already
// committed batch. A custody failure re-credits that item's funds and is
// logged but does not unwind the batch.
func (e *Engine) completeWithdraws(account uuid.UUID, withdraws []Withdraw, blockTime int64) {
	for _, w := range withdraws {
		if err := e.collateral.CompleteWithdraw(account, w.Currency, w.Amount, blockTime); err != nil {
			e.log.Error().Err(err).
				Str("account", account.String()).
				Uint16("currency", uint16(w.Currency)).
				Int64("amount", w.Amount).
				Msg("withdraw transfer failed, funds re-credited")
			if cerr := e.collateral.CreditDeposited(account, w.Currency, w.Amount); cerr != nil {
				e.log.Error().Err(cerr).
					Str("account", account.String()).
					Msg("re-credit after failed withdraw transfer")
			}
		}
	}
}

func (e *Engine) poolExists(group portfolio.GroupID, maturity int64) bool {
	m, ok := e.amm.Snapshot(group, maturity)
	return ok && m.Initialized()
}
