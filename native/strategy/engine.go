package strategy

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"stratum/core/events"
	"stratum/core/state"
	"stratum/crypto"
	"stratum/native/amm"
	"stratum/native/common"
	"stratum/native/token"
)

const moduleName = "strategy"

var (
	// ErrInsufficientPairingBuffer indicates the protocol stable buffer cannot
	// cover the stable leg required to pool the incoming collateral.
	ErrInsufficientPairingBuffer = errors.New("strategy: insufficient pairing buffer")
	// ErrInsufficientDeployment guards withdrawals against pulling more
	// collateral than the strategy holds in the pool.
	ErrInsufficientDeployment = errors.New("strategy: insufficient deployed collateral")
	// ErrInvalidAmount rejects nil, zero and negative amounts.
	ErrInvalidAmount = errors.New("strategy: amount must be positive")

	errNilState  = errors.New("strategy: state not configured")
	errNilRouter = errors.New("strategy: router not configured")
	errNilTokens = errors.New("strategy: token ledger not configured")
)

// Share minting and quote math both round down, so the implied collateral of
// a fully burned position can land a few wei under the sum of its deposits.
// Requests within this bound of the implied leg burn the whole position and
// pay out what the pool releases. Anything beyond it is a real shortfall.
var withdrawDust = big.NewInt(1_000)

type engineState interface {
	GetStrategyPosition() (*state.StrategyPosition, error)
	PutStrategyPosition(sp *state.StrategyPosition) error
}

// Report is the strategy position snapshot including the legs the pool would
// currently release for the held shares.
type Report struct {
	LPShares       *big.Int
	CostCollateral *big.Int
	CostStable     *big.Int
	StableBuffer   *big.Int
	ImpliedA       *big.Int
	ImpliedB       *big.Int
}

// Engine deploys deposited collateral into the primary liquidity pool, paired
// with stable tokens drawn from the protocol buffer. It holds a single pool
// position on behalf of all depositors; per-user accounting stays in the
// vault.
type Engine struct {
	state       engineState
	router      amm.Router
	tokens      *token.Ledger
	collateral  string
	stable      string
	module      crypto.Address
	slippageBps uint64
	deadline    time.Duration
	pauses      common.PauseView
	emitter     events.Emitter
	clock       func() time.Time
}

// NewEngine constructs a strategy for the collateral/stable pair with the
// given slippage tolerance in basis points.
func NewEngine(collateral, stable string, slippageBps uint64) *Engine {
	return &Engine{
		collateral:  collateral,
		stable:      stable,
		module:      crypto.ModuleAddress(moduleName),
		slippageBps: slippageBps,
		deadline:    time.Minute,
		emitter:     events.NoopEmitter{},
		clock:       time.Now,
	}
}

// ModuleAddress returns the account holding the strategy's tokens and shares.
func (e *Engine) ModuleAddress() crypto.Address { return e.module }

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

// FundBuffer moves stable tokens from the funder into the protocol pairing
// buffer. Anyone may top it up; typically this is the treasury.
func (e *Engine) FundBuffer(from crypto.Address, amount *big.Int) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.checkWiring(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := e.tokens.Transfer(e.stable, from, e.module, amount); err != nil {
		return err
	}
	sp, err := e.loadPosition()
	if err != nil {
		return err
	}
	sp.StableBuffer = new(big.Int).Add(sp.StableBuffer, amount)
	if err := e.state.PutStrategyPosition(sp); err != nil {
		return err
	}
	e.emitter.Emit(events.BufferFunded{From: from, Amount: new(big.Int).Set(amount)})
	return nil
}

// BufferBalance reports the stable tokens available for pairing deposits.
func (e *Engine) BufferBalance() (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	sp, err := e.loadPosition()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(sp.StableBuffer), nil
}

// Deploy pulls collateral from the depositor, pairs it with buffer stable at
// the pool's current ratio and adds both legs as liquidity. The full
// collateral amount must enter the pool or the deployment fails.
func (e *Engine) Deploy(from crypto.Address, amount *big.Int) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.checkWiring(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	reserveC, reserveS, err := e.router.GetReserves(e.collateral, e.stable)
	if err != nil {
		return err
	}
	if reserveC.Sign() == 0 || reserveS.Sign() == 0 {
		return amm.ErrInsufficientLiquidity
	}
	stableNeeded := new(big.Int).Mul(amount, reserveS)
	stableNeeded.Quo(stableNeeded, reserveC)
	if stableNeeded.Sign() == 0 {
		stableNeeded = big.NewInt(1)
	}
	stableDesired := withSlippage(stableNeeded, e.slippageBps, true)

	sp, err := e.loadPosition()
	if err != nil {
		return err
	}
	if stableDesired.Cmp(sp.StableBuffer) > 0 {
		return ErrInsufficientPairingBuffer
	}

	if err := e.tokens.Transfer(e.collateral, from, e.module, amount); err != nil {
		return err
	}
	stableMin := withSlippage(stableNeeded, e.slippageBps, false)
	usedC, usedS, liquidity, err := e.router.AddLiquidity(
		e.module, e.collateral, e.stable,
		amount, stableDesired,
		amount, stableMin,
		e.module, e.clock().Add(e.deadline),
	)
	if err != nil {
		// Return the pulled collateral so a failed deployment is clean.
		if refundErr := e.tokens.Transfer(e.collateral, e.module, from, amount); refundErr != nil {
			return fmt.Errorf("strategy: refund after failed deploy: %v: %w", refundErr, err)
		}
		return err
	}

	sp.LPShares = new(big.Int).Add(sp.LPShares, liquidity)
	sp.CostCollateral = new(big.Int).Add(sp.CostCollateral, usedC)
	sp.CostStable = new(big.Int).Add(sp.CostStable, usedS)
	sp.StableBuffer = new(big.Int).Sub(sp.StableBuffer, usedS)
	return e.state.PutStrategyPosition(sp)
}

// Withdraw burns enough shares to free the requested collateral and sends it
// to the recipient. The stable leg released alongside returns to the pairing
// buffer.
func (e *Engine) Withdraw(to crypto.Address, amount *big.Int) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.checkWiring(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	sp, err := e.loadPosition()
	if err != nil {
		return err
	}
	if sp.LPShares.Sign() == 0 {
		return ErrInsufficientDeployment
	}
	impliedC, impliedS, err := e.router.QuoteRemove(e.collateral, e.stable, sp.LPShares)
	if err != nil {
		return err
	}
	shortfall := new(big.Int).Sub(amount, impliedC)
	if shortfall.Cmp(withdrawDust) > 0 {
		return ErrInsufficientDeployment
	}

	var shares *big.Int
	if shortfall.Sign() > 0 {
		// Full exit. The pool cannot quite cover the request, so burn
		// everything and pay out the released leg.
		shares = new(big.Int).Set(sp.LPShares)
	} else {
		// Shares rounded up so the released collateral covers the request.
		shares = new(big.Int).Mul(amount, sp.LPShares)
		shares.Add(shares, new(big.Int).Sub(impliedC, big.NewInt(1)))
		shares.Quo(shares, impliedC)
		if shares.Cmp(sp.LPShares) > 0 {
			shares = new(big.Int).Set(sp.LPShares)
		}
	}

	collateralMin := amount
	if impliedC.Cmp(collateralMin) < 0 {
		collateralMin = impliedC
	}
	stableShare := new(big.Int).Mul(impliedS, shares)
	stableShare.Quo(stableShare, sp.LPShares)
	stableMin := withSlippage(stableShare, e.slippageBps, false)
	gotC, gotS, err := e.router.RemoveLiquidity(
		e.module, e.collateral, e.stable,
		shares, collateralMin, stableMin,
		e.module, e.clock().Add(e.deadline),
	)
	if err != nil {
		return err
	}
	payout := amount
	if gotC.Cmp(payout) < 0 {
		payout = gotC
	}
	if err := e.tokens.Transfer(e.collateral, e.module, to, payout); err != nil {
		return err
	}

	// Cost basis shrinks by the share fraction actually burned.
	remaining := new(big.Int).Sub(sp.LPShares, shares)
	sp.CostCollateral = scaleBy(sp.CostCollateral, remaining, sp.LPShares)
	sp.CostStable = scaleBy(sp.CostStable, remaining, sp.LPShares)
	sp.LPShares = remaining
	sp.StableBuffer = new(big.Int).Add(sp.StableBuffer, gotS)
	// Collateral released beyond the payout is rounding dust; it stays in
	// the module account and is swept into the next harvest's stable leg.
	return e.state.PutStrategyPosition(sp)
}

// ReportPosition snapshots the pool position with its implied current legs.
func (e *Engine) ReportPosition() (*Report, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if e.router == nil {
		return nil, errNilRouter
	}
	sp, err := e.loadPosition()
	if err != nil {
		return nil, err
	}
	report := &Report{
		LPShares:       new(big.Int).Set(sp.LPShares),
		CostCollateral: new(big.Int).Set(sp.CostCollateral),
		CostStable:     new(big.Int).Set(sp.CostStable),
		StableBuffer:   new(big.Int).Set(sp.StableBuffer),
		ImpliedA:       big.NewInt(0),
		ImpliedB:       big.NewInt(0),
	}
	if sp.LPShares.Sign() > 0 {
		impliedA, impliedB, err := e.router.QuoteRemove(e.collateral, e.stable, sp.LPShares)
		if err != nil {
			return nil, err
		}
		report.ImpliedA = impliedA
		report.ImpliedB = impliedB
	}
	return report, nil
}

// RemoveShares burns the given shares and leaves the released legs in the
// strategy module account. The harvester drives this during yield collection.
func (e *Engine) RemoveShares(shares, minCollateral, minStable *big.Int) (*big.Int, *big.Int, error) {
	if err := e.checkWiring(); err != nil {
		return nil, nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	sp, err := e.loadPosition()
	if err != nil {
		return nil, nil, err
	}
	if shares.Cmp(sp.LPShares) > 0 {
		return nil, nil, ErrInsufficientDeployment
	}
	gotC, gotS, err := e.router.RemoveLiquidity(
		e.module, e.collateral, e.stable,
		shares, minCollateral, minStable,
		e.module, e.clock().Add(e.deadline),
	)
	if err != nil {
		return nil, nil, err
	}
	sp.LPShares = new(big.Int).Sub(sp.LPShares, shares)
	if err := e.state.PutStrategyPosition(sp); err != nil {
		return nil, nil, err
	}
	return gotC, gotS, nil
}

// MarkCostBasis resets the cost basis to the pool's current implied legs.
// Called after a harvest so realized yield is not counted twice.
func (e *Engine) MarkCostBasis() error {
	if e.state == nil {
		return errNilState
	}
	if e.router == nil {
		return errNilRouter
	}
	sp, err := e.loadPosition()
	if err != nil {
		return err
	}
	if sp.LPShares.Sign() == 0 {
		sp.CostCollateral = big.NewInt(0)
		sp.CostStable = big.NewInt(0)
		return e.state.PutStrategyPosition(sp)
	}
	impliedC, impliedS, err := e.router.QuoteRemove(e.collateral, e.stable, sp.LPShares)
	if err != nil {
		return err
	}
	sp.CostCollateral = impliedC
	sp.CostStable = impliedS
	return e.state.PutStrategyPosition(sp)
}

// CreditBuffer books stable tokens already held by the module account into
// the pairing buffer.
func (e *Engine) CreditBuffer(amount *big.Int) error {
	if e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	sp, err := e.loadPosition()
	if err != nil {
		return err
	}
	sp.StableBuffer = new(big.Int).Add(sp.StableBuffer, amount)
	return e.state.PutStrategyPosition(sp)
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

func (e *Engine) loadPosition() (*state.StrategyPosition, error) {
	sp, err := e.state.GetStrategyPosition()
	if err != nil {
		return nil, err
	}
	if sp == nil {
		sp = &state.StrategyPosition{
			LPShares:       big.NewInt(0),
			CostCollateral: big.NewInt(0),
			CostStable:     big.NewInt(0),
			StableBuffer:   big.NewInt(0),
		}
	}
	return sp, nil
}

func withSlippage(amount *big.Int, bps uint64, up bool) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	factor := new(big.Int).SetUint64(10_000 - bps)
	if up {
		factor = new(big.Int).SetUint64(10_000 + bps)
	}
	out := new(big.Int).Mul(amount, factor)
	out.Quo(out, big.NewInt(10_000))
	return out
}

func scaleBy(value, numerator, denominator *big.Int) *big.Int {
	if value == nil || denominator == nil || denominator.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(value, numerator)
	out.Quo(out, denominator)
	return out
}
