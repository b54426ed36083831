package debt

import (
	"errors"
	"fmt"
	"math/big"

	"stratum/core/events"
	"stratum/core/state"
	"stratum/crypto"
	"stratum/native/common"
	"stratum/native/oracle"
	"stratum/native/token"
)

const moduleName = "debt"

var (
	// ErrExceedsCapacity indicates the requested amount would push the
	// position past its LTV-discounted borrowing capacity.
	ErrExceedsCapacity = errors.New("debt: amount exceeds borrowing capacity")
	// ErrOraclePriceUnavailable indicates no fresh, valid collateral price
	// could be obtained. No capacity-dependent operation proceeds without one.
	ErrOraclePriceUnavailable = errors.New("debt: oracle price unavailable")
	// ErrAmountExceedsTotalDebt guards the global reduction against
	// overshooting outstanding debt.
	ErrAmountExceedsTotalDebt = errors.New("debt: amount exceeds total debt")
	// ErrInvalidAmount rejects nil, zero and negative amounts.
	ErrInvalidAmount = errors.New("debt: amount must be positive")

	errNilState  = errors.New("debt: state not configured")
	errNilOracle = errors.New("debt: oracle not configured")
	errNilTokens = errors.New("debt: token ledger not configured")
)

type engineState interface {
	GetPosition(addr crypto.Address) (*state.Position, error)
	PutPosition(position *state.Position) error
	GetDebtState() (*state.DebtState, error)
	PutDebtState(ds *state.DebtState) error
}

type priceSource interface {
	GetPrice(feedID string) (oracle.PricePoint, error)
}

// Engine issues debt tokens against pooled collateral and maintains the global
// debt index. It never iterates positions: harvest proceeds shrink the index
// once and every borrower's materialized debt follows.
type Engine struct {
	state      engineState
	prices     priceSource
	feedID     string
	tokens     *token.Ledger
	debtSymbol string
	module     crypto.Address
	params     Params
	pauses     common.PauseView
	emitter    events.Emitter
}

// NewEngine constructs a debt engine with the supplied LTV policy. The engine
// mints through its module address, which must hold the debt token's mint
// authority.
func NewEngine(params Params) *Engine {
	return &Engine{
		params:  params,
		module:  crypto.ModuleAddress(moduleName),
		emitter: events.NoopEmitter{},
	}
}

// ModuleAddress returns the address the engine mints from.
func (e *Engine) ModuleAddress() crypto.Address { return e.module }

// SetState wires the persistence backend.
func (e *Engine) SetState(st engineState) { e.state = st }

// SetOracle wires the price source and the feed identifier of the collateral
// asset.
func (e *Engine) SetOracle(prices priceSource, feedID string) {
	e.prices = prices
	e.feedID = feedID
}

// SetTokenLedger wires the ledger and the symbol of the debt token.
func (e *Engine) SetTokenLedger(tokens *token.Ledger, debtSymbol string) {
	e.tokens = tokens
	e.debtSymbol = debtSymbol
}

// SetPauses wires the administrative pause switchboard.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetEmitter wires the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// BorrowingCapacity returns the LTV-discounted maximum, the position's current
// debt and the remaining headroom. It fails closed when the oracle cannot
// produce a fresh price.
func (e *Engine) BorrowingCapacity(user crypto.Address) (maxBorrow, currentDebt, available *big.Int, err error) {
	if e.state == nil {
		return nil, nil, nil, errNilState
	}
	position, err := e.loadPosition(user)
	if err != nil {
		return nil, nil, nil, err
	}
	ds, err := e.loadDebtState()
	if err != nil {
		return nil, nil, nil, err
	}
	maxBorrow, err = e.maxBorrow(position.Collateral)
	if err != nil {
		return nil, nil, nil, err
	}
	currentDebt = debtFromUnits(position.DebtUnits, ds.DebtIndex)
	available = new(big.Int).Sub(maxBorrow, currentDebt)
	if available.Sign() < 0 {
		available = big.NewInt(0)
	}
	return maxBorrow, currentDebt, available, nil
}

// Borrow mints amount of the debt token to the user, provided the position
// stays within capacity at the current oracle price. A failed borrow leaves
// all records untouched.
func (e *Engine) Borrow(user crypto.Address, amount *big.Int) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.state == nil {
		return errNilState
	}
	if e.tokens == nil {
		return errNilTokens
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	maxBorrow, _, available, err := e.BorrowingCapacity(user)
	if err != nil {
		return err
	}
	if amount.Cmp(available) > 0 {
		return ErrExceedsCapacity
	}

	position, err := e.loadPosition(user)
	if err != nil {
		return err
	}
	ds, err := e.loadDebtState()
	if err != nil {
		return err
	}
	units := unitsFromDebt(amount, ds.DebtIndex)
	position.DebtUnits = new(big.Int).Add(position.DebtUnits, units)
	ds.TotalDebtUnits = new(big.Int).Add(ds.TotalDebtUnits, units)

	if err := e.state.PutPosition(position); err != nil {
		return err
	}
	if err := e.state.PutDebtState(ds); err != nil {
		return err
	}
	if err := e.tokens.Mint(e.debtSymbol, e.module, user, amount); err != nil {
		return fmt.Errorf("debt: mint %s: %w", e.debtSymbol, err)
	}
	e.emitter.Emit(events.DebtBorrowed{User: user, Amount: new(big.Int).Set(amount), MaxBorrow: maxBorrow})
	return nil
}

// CurrentDebt materializes the user's outstanding debt at the current index.
func (e *Engine) CurrentDebt(user crypto.Address) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	position, err := e.loadPosition(user)
	if err != nil {
		return nil, err
	}
	ds, err := e.loadDebtState()
	if err != nil {
		return nil, err
	}
	return debtFromUnits(position.DebtUnits, ds.DebtIndex), nil
}

// TotalDebt materializes protocol-wide outstanding debt.
func (e *Engine) TotalDebt() (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	ds, err := e.loadDebtState()
	if err != nil {
		return nil, err
	}
	return debtFromUnits(ds.TotalDebtUnits, ds.DebtIndex), nil
}

// ReduceDebtGlobally shrinks every outstanding debt proportionally by scaling
// the debt index. Only the harvester holds a reference able to call it.
func (e *Engine) ReduceDebtGlobally(amount *big.Int) error {
	if e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	ds, err := e.loadDebtState()
	if err != nil {
		return err
	}
	total := debtFromUnits(ds.TotalDebtUnits, ds.DebtIndex)
	if amount.Cmp(total) > 0 {
		return ErrAmountExceedsTotalDebt
	}
	remaining := new(big.Int).Sub(total, amount)
	newIndex := rayMul(ds.DebtIndex, rayDiv(remaining, total))
	// The index floors at one so outstanding unit balances stay convertible.
	// Debts materialized through a floor index round to zero.
	if newIndex.Sign() == 0 {
		newIndex = big.NewInt(1)
	}
	ds.DebtIndex = newIndex
	if err := e.state.PutDebtState(ds); err != nil {
		return err
	}
	e.emitter.Emit(events.DebtReduced{Amount: new(big.Int).Set(amount), TotalDebt: remaining})
	return nil
}

// CapacityFor prices an arbitrary collateral amount under the LTV policy. The
// vault uses it to test whether a withdrawal would leave a position
// undercollateralized.
func (e *Engine) CapacityFor(collateral *big.Int) (*big.Int, error) {
	return e.maxBorrow(collateral)
}

// maxBorrow prices the collateral and applies the LTV discount.
func (e *Engine) maxBorrow(collateral *big.Int) (*big.Int, error) {
	if collateral == nil || collateral.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if e.prices == nil {
		return nil, errNilOracle
	}
	point, err := e.prices.GetPrice(e.feedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOraclePriceUnavailable, err)
	}
	value := oracle.Value(collateral, point)
	max := new(big.Int).Mul(value, new(big.Int).SetUint64(e.params.LTVBps))
	max.Quo(max, basisPoints)
	return max, nil
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

func (e *Engine) loadDebtState() (*state.DebtState, error) {
	ds, err := e.state.GetDebtState()
	if err != nil {
		return nil, err
	}
	if ds == nil {
		ds = &state.DebtState{
			DebtIndex:      new(big.Int).Set(ray),
			TotalDebtUnits: big.NewInt(0),
		}
	}
	if ds.DebtIndex == nil || ds.DebtIndex.Sign() == 0 {
		if ds.TotalDebtUnits == nil || ds.TotalDebtUnits.Sign() == 0 {
			ds.DebtIndex = new(big.Int).Set(ray)
		} else {
			ds.DebtIndex = big.NewInt(1)
		}
	}
	if ds.TotalDebtUnits == nil {
		ds.TotalDebtUnits = big.NewInt(0)
	}
	return ds, nil
}
