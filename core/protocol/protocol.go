package protocol

import (
	"errors"
	"math/big"
	"sort"
	"sync"

	"stratum/core/events"
	"stratum/core/state"
	"stratum/crypto"
	"stratum/native/common"
	"stratum/native/harvest"
)

var (
	// ErrNotWired is returned from every operation until provisioning
	// completes.
	ErrNotWired = errors.New("protocol: not provisioned")
	// ErrAlreadyWired guards the one-shot provisioning path.
	ErrAlreadyWired = errors.New("protocol: already provisioned")
	// ErrNotOwner rejects administrative calls from anyone but the owner.
	ErrNotOwner = errors.New("protocol: caller is not the owner")
)

// Pauses is the administrative pause switchboard shared by every engine.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses constructs an all-running switchboard.
func NewPauses() *Pauses {
	return &Pauses{paused: make(map[string]bool)}
}

// IsPaused implements common.PauseView.
func (p *Pauses) IsPaused(module string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}

func (p *Pauses) set(module string, value bool) {
	p.mu.Lock()
	p.paused[module] = value
	p.mu.Unlock()
}

func (p *Pauses) list() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for module, paused := range p.paused {
		if paused {
			out = append(out, module)
		}
	}
	sort.Strings(out)
	return out
}

// Status is the administrative view of the protocol.
type Status struct {
	Wired         bool
	PausedModules []string
}

// Protocol is the facade collaborators call. It owns the per-position
// reentrancy locks and the pause switchboard, then delegates to the wired
// engines. State-mutating entry points hold the caller's position lock for
// their full duration so venue callbacks cannot re-enter mid-operation.
type Protocol struct {
	mu     sync.RWMutex
	wiring Wiring
	wired  bool

	owner  crypto.Address
	locks  *common.PositionLocks
	pauses *Pauses

	harvestKey crypto.Address
}

// New constructs an unprovisioned protocol owned by the given address.
func New(owner crypto.Address) *Protocol {
	return &Protocol{
		owner:      owner,
		locks:      common.NewPositionLocks(),
		pauses:     NewPauses(),
		harvestKey: crypto.ModuleAddress("protocol/harvest"),
	}
}

// Provision installs the wiring exactly once, connecting every engine to its
// collaborators, the pause switchboard and the event sink.
func (p *Protocol) Provision(w Wiring) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wired {
		return ErrAlreadyWired
	}
	if err := p.install(w); err != nil {
		return err
	}
	p.wired = true
	return nil
}

// Rewire replaces the wiring after go-live. Owner-gated and emitted as a
// notable administrative event.
func (p *Protocol) Rewire(caller crypto.Address, w Wiring) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !caller.Equal(p.owner) {
		return ErrNotOwner
	}
	if err := p.install(w); err != nil {
		return err
	}
	p.wired = true
	p.wiring.Emitter.Emit(events.ProtocolRewired{Owner: caller})
	return nil
}

func (p *Protocol) install(w Wiring) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.Emitter == nil {
		w.Emitter = events.NoopEmitter{}
	}

	w.Debt.SetState(w.Store)
	w.Debt.SetOracle(w.Oracle, w.FeedID)
	w.Debt.SetTokenLedger(w.Tokens, w.DebtSymbol)
	w.Debt.SetPauses(p.pauses)
	w.Debt.SetEmitter(w.Emitter)

	w.Strategy.SetState(w.Store)
	w.Strategy.SetRouter(w.Router)
	w.Strategy.SetTokenLedger(w.Tokens)
	w.Strategy.SetPauses(p.pauses)
	w.Strategy.SetEmitter(w.Emitter)

	w.Vault.SetState(w.Store)
	w.Vault.SetStrategy(w.Strategy)
	w.Vault.SetDebtView(w.Debt)
	w.Vault.SetPauses(p.pauses)
	w.Vault.SetEmitter(w.Emitter)

	w.Harvest.SetStrategy(w.Strategy)
	w.Harvest.SetRouter(w.Router)
	w.Harvest.SetDebtLedger(w.Debt)
	w.Harvest.SetPauses(p.pauses)
	w.Harvest.SetEmitter(w.Emitter)

	w.Turbo.SetState(w.Store)
	w.Turbo.SetRouter(w.Router)
	w.Turbo.SetTokenLedger(w.Tokens)
	w.Turbo.SetPauses(p.pauses)
	w.Turbo.SetEmitter(w.Emitter)

	p.wiring = w
	return nil
}

func (p *Protocol) ready() (Wiring, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.wired {
		return Wiring{}, ErrNotWired
	}
	return p.wiring, nil
}

// Deposit adds collateral to the caller's position and deploys it.
func (p *Protocol) Deposit(user crypto.Address, amount *big.Int) error {
	w, err := p.ready()
	if err != nil {
		return err
	}
	if err := p.locks.Acquire(user); err != nil {
		return err
	}
	defer p.locks.Release(user)
	return w.Vault.Deposit(user, amount)
}

// Withdraw releases collateral back to the caller.
func (p *Protocol) Withdraw(user crypto.Address, amount *big.Int) error {
	w, err := p.ready()
	if err != nil {
		return err
	}
	if err := p.locks.Acquire(user); err != nil {
		return err
	}
	defer p.locks.Release(user)
	return w.Vault.Withdraw(user, amount)
}

// Borrow mints debt tokens against the caller's collateral.
func (p *Protocol) Borrow(user crypto.Address, amount *big.Int) error {
	w, err := p.ready()
	if err != nil {
		return err
	}
	if err := p.locks.Acquire(user); err != nil {
		return err
	}
	defer p.locks.Release(user)
	return w.Debt.Borrow(user, amount)
}

// BorrowingCapacity reports (max, current, available) for the user.
func (p *Protocol) BorrowingCapacity(user crypto.Address) (*big.Int, *big.Int, *big.Int, error) {
	w, err := p.ready()
	if err != nil {
		return nil, nil, nil, err
	}
	return w.Debt.BorrowingCapacity(user)
}

// Harvest realizes accrued pool yield and applies it to outstanding debt.
// Callable by anyone; serialized against itself through a dedicated lock.
func (p *Protocol) Harvest() (*harvest.Result, error) {
	w, err := p.ready()
	if err != nil {
		return nil, err
	}
	if err := p.locks.Acquire(p.harvestKey); err != nil {
		return nil, err
	}
	defer p.locks.Release(p.harvestKey)
	return w.Harvest.Harvest()
}

// ClaimableYield previews the next harvest.
func (p *Protocol) ClaimableYield() (*big.Int, error) {
	w, err := p.ready()
	if err != nil {
		return nil, err
	}
	return w.Harvest.ClaimableYield()
}

// Loop pledges debt and stable tokens into the secondary pool.
func (p *Protocol) Loop(user crypto.Address, debtAmount, stableAmount *big.Int) (*big.Int, error) {
	w, err := p.ready()
	if err != nil {
		return nil, err
	}
	if err := p.locks.Acquire(user); err != nil {
		return nil, err
	}
	defer p.locks.Release(user)
	return w.Turbo.Loop(user, debtAmount, stableAmount)
}

// ApproveTurbo grants the turbo module allowances to pull both loop legs from
// the user's balances. Loop consumes the allowances; anything unused stays
// approved until overwritten by the next call.
func (p *Protocol) ApproveTurbo(user crypto.Address, debtAmount, stableAmount *big.Int) error {
	w, err := p.ready()
	if err != nil {
		return err
	}
	debtSymbol, stableSymbol := w.Turbo.Pair()
	spender := w.Turbo.ModuleAddress()
	if err := w.Tokens.Approve(debtSymbol, user, spender, debtAmount); err != nil {
		return err
	}
	return w.Tokens.Approve(stableSymbol, user, spender, stableAmount)
}

// Unloop redeems secondary pool shares.
func (p *Protocol) Unloop(user crypto.Address, shares *big.Int) (*big.Int, *big.Int, error) {
	w, err := p.ready()
	if err != nil {
		return nil, nil, err
	}
	if err := p.locks.Acquire(user); err != nil {
		return nil, nil, err
	}
	defer p.locks.Release(user)
	return w.Turbo.Unloop(user, shares)
}

// SecondaryShares reports the user's secondary pool shares.
func (p *Protocol) SecondaryShares(user crypto.Address) (*big.Int, error) {
	w, err := p.ready()
	if err != nil {
		return nil, err
	}
	return w.Turbo.SecondaryShares(user)
}

// FundBuffer tops up the strategy's stable pairing buffer.
func (p *Protocol) FundBuffer(from crypto.Address, amount *big.Int) error {
	w, err := p.ready()
	if err != nil {
		return err
	}
	return w.Strategy.FundBuffer(from, amount)
}

// BufferBalance reports the stable pairing buffer.
func (p *Protocol) BufferBalance() (*big.Int, error) {
	w, err := p.ready()
	if err != nil {
		return nil, err
	}
	return w.Strategy.BufferBalance()
}

// CurrentDebt reports the user's outstanding debt at the current index.
func (p *Protocol) CurrentDebt(user crypto.Address) (*big.Int, error) {
	w, err := p.ready()
	if err != nil {
		return nil, err
	}
	return w.Debt.CurrentDebt(user)
}

// TotalDebt reports protocol-wide outstanding debt.
func (p *Protocol) TotalDebt() (*big.Int, error) {
	w, err := p.ready()
	if err != nil {
		return nil, err
	}
	return w.Debt.TotalDebt()
}

// TotalCollateral reports protocol-wide collateral.
func (p *Protocol) TotalCollateral() (*big.Int, error) {
	w, err := p.ready()
	if err != nil {
		return nil, err
	}
	return w.Vault.TotalCollateral()
}

// PositionOf returns a copy of the user's full position record.
func (p *Protocol) PositionOf(user crypto.Address) (*state.Position, error) {
	w, err := p.ready()
	if err != nil {
		return nil, err
	}
	position, err := w.Store.GetPosition(user)
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
	return position.Clone(), nil
}

// Pause halts a module. Owner-gated.
func (p *Protocol) Pause(caller crypto.Address, module string) error {
	w, err := p.ready()
	if err != nil {
		return err
	}
	if !caller.Equal(p.owner) {
		return ErrNotOwner
	}
	p.pauses.set(module, true)
	w.Emitter.Emit(events.ProtocolPaused{Module: module})
	return nil
}

// Resume restarts a paused module. Owner-gated.
func (p *Protocol) Resume(caller crypto.Address, module string) error {
	w, err := p.ready()
	if err != nil {
		return err
	}
	if !caller.Equal(p.owner) {
		return ErrNotOwner
	}
	p.pauses.set(module, false)
	w.Emitter.Emit(events.ProtocolResumed{Module: module})
	return nil
}

// Status reports wiring and pause state.
func (p *Protocol) Status() Status {
	p.mu.RLock()
	wired := p.wired
	p.mu.RUnlock()
	return Status{Wired: wired, PausedModules: p.pauses.list()}
}
