package harvest

import (
	"errors"
	"math/big"
	"time"

	"stratum/core/events"
	"stratum/crypto"
	"stratum/native/amm"
	"stratum/native/common"
	"stratum/native/strategy"
)

const moduleName = "harvest"

var (
	errNilStrategy = errors.New("harvest: strategy not configured")
	errNilRouter   = errors.New("harvest: router not configured")
	errNilDebt     = errors.New("harvest: debt ledger not configured")
)

// debtLedger is the reduction surface of the debt engine. Holding this
// reference is what authorizes the harvester to shrink the debt index.
type debtLedger interface {
	TotalDebt() (*big.Int, error)
	ReduceDebtGlobally(amount *big.Int) error
}

// strategyPool is the slice of the strategy the harvester drives.
type strategyPool interface {
	ReportPosition() (*strategy.Report, error)
	RemoveShares(shares, minCollateral, minStable *big.Int) (*big.Int, *big.Int, error)
	MarkCostBasis() error
	CreditBuffer(amount *big.Int) error
	ModuleAddress() crypto.Address
}

// Result summarizes one harvest cycle.
type Result struct {
	// CollateralLeg and StableLeg are the pool legs realized this cycle.
	CollateralLeg *big.Int
	StableLeg     *big.Int
	// StableValue is the total stable proceeds after swapping the
	// collateral leg.
	StableValue *big.Int
	// DebtReduced is the portion applied against outstanding debt.
	DebtReduced *big.Int
}

// Engine realizes pool fee growth and applies it against protocol debt. Each
// cycle burns only the share slice whose value exceeds the recorded cost
// basis, so depositor principal stays in the pool.
type Engine struct {
	strategy    strategyPool
	router      amm.Router
	debt        debtLedger
	collateral  string
	stable      string
	slippageBps uint64
	minYield    *big.Int
	deadline    time.Duration
	pauses      common.PauseView
	emitter     events.Emitter
	clock       func() time.Time
}

// NewEngine constructs a harvester for the collateral/stable pool.
func NewEngine(collateral, stable string, slippageBps uint64) *Engine {
	return &Engine{
		collateral:  collateral,
		stable:      stable,
		slippageBps: slippageBps,
		deadline:    time.Minute,
		emitter:     events.NoopEmitter{},
		clock:       time.Now,
	}
}

// SetStrategy wires the strategy pool surface.
func (e *Engine) SetStrategy(s strategyPool) { e.strategy = s }

// SetRouter wires the liquidity venue.
func (e *Engine) SetRouter(router amm.Router) { e.router = router }

// SetDebtLedger wires the debt reduction surface.
func (e *Engine) SetDebtLedger(d debtLedger) { e.debt = d }

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

// SetMinYield sets a floor under the preview value of a cycle. Cycles worth
// less stay no-ops, so keepers are not made to churn the pool for dust.
func (e *Engine) SetMinYield(min *big.Int) {
	if min == nil || min.Sign() <= 0 {
		e.minYield = nil
		return
	}
	e.minYield = new(big.Int).Set(min)
}

// ClaimableYield previews the stable value the next harvest would realize,
// priced at the pool's spot ratio. It performs no writes.
func (e *Engine) ClaimableYield() (*big.Int, error) {
	if err := e.checkWiring(); err != nil {
		return nil, err
	}
	report, err := e.strategy.ReportPosition()
	if err != nil {
		return nil, err
	}
	shares, excessC, excessS := e.harvestableSlice(report)
	if shares.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return e.sliceValue(excessC, excessS)
}

// sliceValue prices the excess legs in stable terms at the pool's spot ratio.
func (e *Engine) sliceValue(excessC, excessS *big.Int) (*big.Int, error) {
	reserveC, reserveS, err := e.router.GetReserves(e.collateral, e.stable)
	if err != nil {
		return nil, err
	}
	if reserveC.Sign() == 0 {
		return new(big.Int).Set(excessS), nil
	}
	collateralValue := new(big.Int).Mul(excessC, reserveS)
	collateralValue.Quo(collateralValue, reserveC)
	return collateralValue.Add(collateralValue, excessS), nil
}

// Harvest realizes accrued pool fees and pushes the stable proceeds through
// the debt index. A cycle with nothing to claim is a silent no-op. Harvesting
// twice without intervening fee growth claims nothing the second time.
func (e *Engine) Harvest() (*Result, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.checkWiring(); err != nil {
		return nil, err
	}
	report, err := e.strategy.ReportPosition()
	if err != nil {
		return nil, err
	}
	shares, excessC, excessS := e.harvestableSlice(report)
	zero := &Result{
		CollateralLeg: big.NewInt(0),
		StableLeg:     big.NewInt(0),
		StableValue:   big.NewInt(0),
		DebtReduced:   big.NewInt(0),
	}
	if shares.Sign() == 0 {
		return zero, nil
	}
	if e.minYield != nil {
		value, err := e.sliceValue(excessC, excessS)
		if err != nil {
			return nil, err
		}
		if value.Cmp(e.minYield) < 0 {
			return zero, nil
		}
	}

	quoteC, quoteS, err := e.router.QuoteRemove(e.collateral, e.stable, shares)
	if err != nil {
		return nil, err
	}
	minC := withSlippage(quoteC, e.slippageBps)
	minS := withSlippage(quoteS, e.slippageBps)
	gotC, gotS, err := e.strategy.RemoveShares(shares, minC, minS)
	if err != nil {
		return nil, err
	}

	stableTotal := new(big.Int).Set(gotS)
	if gotC.Sign() > 0 {
		swapped, err := e.swapCollateralLeg(gotC)
		if err != nil {
			return nil, err
		}
		stableTotal.Add(stableTotal, swapped)
	}

	totalDebt, err := e.debt.TotalDebt()
	if err != nil {
		return nil, err
	}
	reduced := big.NewInt(0)
	if totalDebt.Sign() > 0 && stableTotal.Sign() > 0 {
		reduced = new(big.Int).Set(stableTotal)
		if reduced.Cmp(totalDebt) > 0 {
			reduced = new(big.Int).Set(totalDebt)
		}
		if err := e.debt.ReduceDebtGlobally(reduced); err != nil {
			return nil, err
		}
	}

	// Proceeds return to the pairing buffer; the index reduction above is
	// the repayment, the tokens themselves fund future deposits.
	if err := e.strategy.CreditBuffer(stableTotal); err != nil {
		return nil, err
	}
	if err := e.strategy.MarkCostBasis(); err != nil {
		return nil, err
	}

	result := &Result{
		CollateralLeg: gotC,
		StableLeg:     gotS,
		StableValue:   stableTotal,
		DebtReduced:   reduced,
	}
	e.emitter.Emit(events.YieldHarvested{
		CollateralLeg: new(big.Int).Set(gotC),
		StableLeg:     new(big.Int).Set(gotS),
		DebtValue:     new(big.Int).Set(stableTotal),
	})
	return result, nil
}

// harvestableSlice computes the share slice whose removal realizes the excess
// over cost basis without cutting principal. The binding leg (the smaller
// relative excess) sets the fraction, so both remaining legs stay at or above
// cost.
func (e *Engine) harvestableSlice(report *strategy.Report) (shares, excessC, excessS *big.Int) {
	shares = big.NewInt(0)
	excessC = big.NewInt(0)
	excessS = big.NewInt(0)
	if report == nil || report.LPShares.Sign() == 0 {
		return shares, excessC, excessS
	}
	ec := new(big.Int).Sub(report.ImpliedA, report.CostCollateral)
	es := new(big.Int).Sub(report.ImpliedB, report.CostStable)
	if ec.Sign() <= 0 || es.Sign() <= 0 {
		return shares, excessC, excessS
	}

	fromC := new(big.Int).Mul(report.LPShares, ec)
	fromC.Quo(fromC, report.ImpliedA)
	fromS := new(big.Int).Mul(report.LPShares, es)
	fromS.Quo(fromS, report.ImpliedB)
	shares = fromC
	if fromS.Cmp(shares) < 0 {
		shares = fromS
	}
	return shares, ec, es
}

func (e *Engine) swapCollateralLeg(amount *big.Int) (*big.Int, error) {
	reserveC, reserveS, err := e.router.GetReserves(e.collateral, e.stable)
	if err != nil {
		return nil, err
	}
	if reserveC.Sign() == 0 || reserveS.Sign() == 0 {
		return nil, amm.ErrInsufficientLiquidity
	}
	spot := new(big.Int).Mul(amount, reserveS)
	spot.Quo(spot, reserveC)
	minOut := withSlippage(spot, e.slippageBps)
	if minOut.Sign() == 0 {
		minOut = big.NewInt(1)
	}
	module := e.strategy.ModuleAddress()
	amounts, err := e.router.SwapExactTokensForTokens(
		module, amount, minOut,
		[]string{e.collateral, e.stable},
		module, e.clock().Add(e.deadline),
	)
	if err != nil {
		return nil, err
	}
	return amounts[len(amounts)-1], nil
}

func (e *Engine) checkWiring() error {
	if e.strategy == nil {
		return errNilStrategy
	}
	if e.router == nil {
		return errNilRouter
	}
	if e.debt == nil {
		return errNilDebt
	}
	return nil
}

func withSlippage(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(10_000-bps))
	out.Quo(out, big.NewInt(10_000))
	return out
}
