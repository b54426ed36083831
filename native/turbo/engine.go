package turbo

import (
	"errors"
	"math/big"
	"time"

	"stratum/core/events"
	"stratum/core/state"
	"stratum/crypto"
	"stratum/native/amm"
	"stratum/native/common"
	"stratum/native/token"
)

const moduleName = "turbo"

var (
	// ErrRatioMismatch indicates the offered legs deviate from the secondary
	// pool's ratio beyond the slippage tolerance.
	ErrRatioMismatch = errors.New("turbo: leg ratio deviates from pool")
	// ErrInsufficientShares guards unloops against redeeming shares the
	// position does not hold.
	ErrInsufficientShares = errors.New("turbo: insufficient secondary shares")
	// ErrInvalidAmount rejects nil, zero and negative amounts.
	ErrInvalidAmount = errors.New("turbo: amount must be positive")

	errNilState  = errors.New("turbo: state not configured")
	errNilRouter = errors.New("turbo: router not configured")
	errNilTokens = errors.New("turbo: token ledger not configured")
)

type engineState interface {
	GetPosition(addr crypto.Address) (*state.Position, error)
	PutPosition(position *state.Position) error
	GetTotals() (*state.Totals, error)
	PutTotals(totals *state.Totals) error
}

// Engine lets borrowers redeploy minted debt tokens into the secondary
// debt/stable pool, compounding their exposure to harvest repayments. Tokens
// are pulled through allowances, so users approve the turbo module first.
type Engine struct {
	state       engineState
	router      amm.Router
	tokens      *token.Ledger
	debtSymbol  string
	stable      string
	module      crypto.Address
	slippageBps uint64
	deadline    time.Duration
	pauses      common.PauseView
	emitter     events.Emitter
	clock       func() time.Time
}

// NewEngine constructs a turbo engine for the debt/stable pair.
func NewEngine(debtSymbol, stable string, slippageBps uint64) *Engine {
	return &Engine{
		debtSymbol:  debtSymbol,
		stable:      stable,
		module:      crypto.ModuleAddress(moduleName),
		slippageBps: slippageBps,
		deadline:    time.Minute,
		emitter:     events.NoopEmitter{},
		clock:       time.Now,
	}
}

// ModuleAddress returns the account users approve for leg pulls.
func (e *Engine) ModuleAddress() crypto.Address { return e.module }

// Pair returns the debt and stable symbols the engine loops into.
func (e *Engine) Pair() (debtSymbol, stableSymbol string) {
	return e.debtSymbol, e.stable
}

// SetState wires the persistence backend.
func (e *Engine) SetState(st engineState) { e.state = st }

// SetRouter wires the liquidity venue.
func (e *Engine) SetRouter(router amm.Router) { e.router = router }

// SetTokenLedger wires the token ledger.
func (e *Engine) SetTokenLedger(tokens *token.Ledger) { e.tokens = tokens }

// SetPauses wires the administrative pause switchboard.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetEmitter wires the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetClock overrides the time source (primarily for deterministic testing).
func (e *Engine) SetClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
	}
}

// Loop pulls both legs from the user and adds them to the secondary pool.
// The offered ratio must sit within the slippage tolerance of the pool's
// current ratio; unused remainders return to the user.
func (e *Engine) Loop(user crypto.Address, debtAmount, stableAmount *big.Int) (*big.Int, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.checkWiring(); err != nil {
		return nil, err
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 || stableAmount == nil || stableAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	reserveD, reserveS, err := e.router.GetReserves(e.debtSymbol, e.stable)
	if err != nil {
		return nil, err
	}
	// A seeded pool pins the ratio; the first deposit sets it.
	if reserveD.Sign() > 0 && reserveS.Sign() > 0 {
		expected := new(big.Int).Mul(debtAmount, reserveS)
		expected.Quo(expected, reserveD)
		if outsideTolerance(stableAmount, expected, e.slippageBps) {
			return nil, ErrRatioMismatch
		}
	}

	if err := e.tokens.TransferFrom(e.debtSymbol, e.module, user, e.module, debtAmount); err != nil {
		return nil, err
	}
	if err := e.tokens.TransferFrom(e.stable, e.module, user, e.module, stableAmount); err != nil {
		return nil, err
	}

	minD := withSlippage(debtAmount, e.slippageBps)
	minS := withSlippage(stableAmount, e.slippageBps)
	usedD, usedS, liquidity, err := e.router.AddLiquidity(
		e.module, e.debtSymbol, e.stable,
		debtAmount, stableAmount,
		minD, minS,
		e.module, e.clock().Add(e.deadline),
	)
	if err != nil {
		e.refund(user, debtAmount, stableAmount)
		return nil, err
	}
	e.refund(user, new(big.Int).Sub(debtAmount, usedD), new(big.Int).Sub(stableAmount, usedS))

	position, err := e.loadPosition(user)
	if err != nil {
		return nil, err
	}
	position.SecondaryShares = new(big.Int).Add(position.SecondaryShares, liquidity)
	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	totals, err := e.state.GetTotals()
	if err != nil {
		return nil, err
	}
	totals.TotalSecondaryShares = new(big.Int).Add(totals.TotalSecondaryShares, liquidity)
	if err := e.state.PutTotals(totals); err != nil {
		return nil, err
	}

	e.emitter.Emit(events.TurboLooped{
		User:       user,
		DebtAmount: usedD,
		Stable:     usedS,
		Shares:     new(big.Int).Set(liquidity),
	})
	return liquidity, nil
}

// Unloop redeems secondary shares, releasing both legs straight to the user.
func (e *Engine) Unloop(user crypto.Address, shares *big.Int) (*big.Int, *big.Int, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	if err := e.checkWiring(); err != nil {
		return nil, nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	position, err := e.loadPosition(user)
	if err != nil {
		return nil, nil, err
	}
	if position.SecondaryShares.Cmp(shares) < 0 {
		return nil, nil, ErrInsufficientShares
	}

	quoteD, quoteS, err := e.router.QuoteRemove(e.debtSymbol, e.stable, shares)
	if err != nil {
		return nil, nil, err
	}
	gotD, gotS, err := e.router.RemoveLiquidity(
		e.module, e.debtSymbol, e.stable,
		shares, withSlippage(quoteD, e.slippageBps), withSlippage(quoteS, e.slippageBps),
		user, e.clock().Add(e.deadline),
	)
	if err != nil {
		return nil, nil, err
	}

	position.SecondaryShares = new(big.Int).Sub(position.SecondaryShares, shares)
	if err := e.state.PutPosition(position); err != nil {
		return nil, nil, err
	}
	totals, err := e.state.GetTotals()
	if err != nil {
		return nil, nil, err
	}
	totals.TotalSecondaryShares = new(big.Int).Sub(totals.TotalSecondaryShares, shares)
	if err := e.state.PutTotals(totals); err != nil {
		return nil, nil, err
	}

	e.emitter.Emit(events.TurboUnlooped{User: user, Shares: new(big.Int).Set(shares)})
	return gotD, gotS, nil
}

// SecondaryShares reports the user's secondary pool shares.
func (e *Engine) SecondaryShares(user crypto.Address) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	position, err := e.loadPosition(user)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(position.SecondaryShares), nil
}

// refund returns unused legs after a clamped or failed add. The module holds
// the tokens, so a refund can only fail on wiring bugs.
func (e *Engine) refund(user crypto.Address, debtAmount, stableAmount *big.Int) {
	if debtAmount != nil && debtAmount.Sign() > 0 {
		_ = e.tokens.Transfer(e.debtSymbol, e.module, user, debtAmount)
	}
	if stableAmount != nil && stableAmount.Sign() > 0 {
		_ = e.tokens.Transfer(e.stable, e.module, user, stableAmount)
	}
}

func (e *Engine) checkWiring() error {
	if e.state == nil {
		return errNilState
	}
	if e.router == nil {
		return errNilRouter
	}
	if e.tokens == nil {
		return errNilTokens
	}
	return nil
}

func (e *Engine) loadPosition(user crypto.Address) (*state.Position, error) {
	position, err := e.state.GetPosition(user)
	if err != nil {
		return nil, err
	}
	if position == nil {
		position = &state.Position{
			Address:         user,
			Collateral:      big.NewInt(0),
			DebtUnits:       big.NewInt(0),
			SecondaryShares: big.NewInt(0),
		}
	}
	return position, nil
}

func outsideTolerance(offered, expected *big.Int, bps uint64) bool {
	if expected.Sign() == 0 {
		return offered.Sign() != 0
	}
	diff := new(big.Int).Sub(offered, expected)
	diff.Abs(diff)
	limit := new(big.Int).Mul(expected, new(big.Int).SetUint64(bps))
	limit.Quo(limit, big.NewInt(10_000))
	return diff.Cmp(limit) > 0
}

func withSlippage(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(10_000-bps))
	out.Quo(out, big.NewInt(10_000))
	return out
}
