package vault

import (
	"errors"
	"math/big"

	"stratum/core/events"
	"stratum/core/state"
	"stratum/crypto"
	"stratum/native/common"
)

const moduleName = "vault"

var (
	// ErrInsufficientCollateral indicates a withdrawal larger than the
	// position's collateral balance.
	ErrInsufficientCollateral = errors.New("vault: insufficient collateral")
	// ErrWouldBreachCapacity indicates a withdrawal that would leave the
	// position's debt above its reduced borrowing capacity.
	ErrWouldBreachCapacity = errors.New("vault: withdrawal would breach borrowing capacity")
	// ErrInvalidAmount rejects nil, zero and negative amounts.
	ErrInvalidAmount = errors.New("vault: amount must be positive")

	errNilState    = errors.New("vault: state not configured")
	errNilStrategy = errors.New("vault: strategy not configured")
	errNilDebt     = errors.New("vault: debt view not configured")
)

type engineState interface {
	GetPosition(addr crypto.Address) (*state.Position, error)
	PutPosition(position *state.Position) error
	GetTotals() (*state.Totals, error)
	PutTotals(totals *state.Totals) error
}

// deployer is the strategy surface the vault drives. Deploy pulls collateral
// from the depositor into the pool; Withdraw releases it back to the owner.
type deployer interface {
	Deploy(from crypto.Address, amount *big.Int) error
	Withdraw(to crypto.Address, amount *big.Int) error
}

// debtView answers the two solvency questions a withdrawal raises. The oracle
// is only consulted when the position actually carries debt.
type debtView interface {
	CurrentDebt(user crypto.Address) (*big.Int, error)
	CapacityFor(collateral *big.Int) (*big.Int, error)
}

// Engine tracks per-user collateral. Deposited collateral is never idle: every
// deposit is immediately deployed to the yield strategy and every withdrawal
// is pulled back out of it.
type Engine struct {
	state    engineState
	strategy deployer
	debt     debtView
	pauses   common.PauseView
	emitter  events.Emitter
}

// NewEngine constructs an unwired vault engine.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState wires the persistence backend.
func (e *Engine) SetState(st engineState) { e.state = st }

// SetStrategy wires the yield strategy.
func (e *Engine) SetStrategy(s deployer) { e.strategy = s }

// SetDebtView wires the debt ledger's solvency view.
func (e *Engine) SetDebtView(d debtView) { e.debt = d }

// SetPauses wires the administrative pause switchboard.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetEmitter wires the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// Deposit moves collateral from the user into the strategy pool and credits
// the position. The deployment happens first so a strategy failure leaves the
// vault untouched.
func (e *Engine) Deposit(user crypto.Address, amount *big.Int) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.state == nil {
		return errNilState
	}
	if e.strategy == nil {
		return errNilStrategy
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := e.strategy.Deploy(user, amount); err != nil {
		return err
	}

	position, err := e.loadPosition(user)
	if err != nil {
		return err
	}
	position.Collateral = new(big.Int).Add(position.Collateral, amount)
	if err := e.state.PutPosition(position); err != nil {
		return err
	}
	totals, err := e.state.GetTotals()
	if err != nil {
		return err
	}
	totals.TotalCollateral = new(big.Int).Add(totals.TotalCollateral, amount)
	if err := e.state.PutTotals(totals); err != nil {
		return err
	}
	e.emitter.Emit(events.CollateralDeposited{User: user, Amount: new(big.Int).Set(amount)})
	return nil
}

// Withdraw releases collateral back to the user. Positions with outstanding
// debt must stay within capacity at the current oracle price; debt-free
// positions withdraw without touching the oracle.
func (e *Engine) Withdraw(user crypto.Address, amount *big.Int) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.state == nil {
		return errNilState
	}
	if e.strategy == nil {
		return errNilStrategy
	}
	if e.debt == nil {
		return errNilDebt
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	position, err := e.loadPosition(user)
	if err != nil {
		return err
	}
	if position.Collateral.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	remaining := new(big.Int).Sub(position.Collateral, amount)

	debt, err := e.debt.CurrentDebt(user)
	if err != nil {
		return err
	}
	if debt.Sign() > 0 {
		capacity, err := e.debt.CapacityFor(remaining)
		if err != nil {
			return err
		}
		if debt.Cmp(capacity) > 0 {
			return ErrWouldBreachCapacity
		}
	}

	if err := e.strategy.Withdraw(user, amount); err != nil {
		return err
	}
	position.Collateral = remaining
	if err := e.state.PutPosition(position); err != nil {
		return err
	}
	totals, err := e.state.GetTotals()
	if err != nil {
		return err
	}
	totals.TotalCollateral = new(big.Int).Sub(totals.TotalCollateral, amount)
	if err := e.state.PutTotals(totals); err != nil {
		return err
	}
	e.emitter.Emit(events.CollateralWithdrawn{User: user, Amount: new(big.Int).Set(amount)})
	return nil
}

// Collateral reports the user's collateral balance.
func (e *Engine) Collateral(user crypto.Address) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	position, err := e.loadPosition(user)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(position.Collateral), nil
}

// TotalCollateral reports protocol-wide collateral.
func (e *Engine) TotalCollateral() (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	totals, err := e.state.GetTotals()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(totals.TotalCollateral), nil
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
