package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"stratum/crypto"
	"stratum/storage"
)

var (
	positionPrefix  = []byte("lend/position/")
	totalsKey       = []byte("lend/totals")
	debtStateKey    = []byte("lend/debt")
	strategyKey     = []byte("lend/strategy")
	errNilPosition  = errors.New("state: position must not be nil")
	errNilContainer = errors.New("state: decode target must not be nil")
)

// Position is the single per-user record of the protocol. Collateral is
// mutated only by the vault, DebtUnits only by the debt ledger and
// SecondaryShares only by the turbo loop. Positions are created implicitly on
// first use and never deleted, only driven back toward zero.
type Position struct {
	Address         crypto.Address
	Collateral      *big.Int
	DebtUnits       *big.Int
	SecondaryShares *big.Int
}

// Clone returns a deep copy so callers cannot mutate shared pointers.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{Address: p.Address}
	clone.Collateral = copyInt(p.Collateral)
	clone.DebtUnits = copyInt(p.DebtUnits)
	clone.SecondaryShares = copyInt(p.SecondaryShares)
	return clone
}

// Totals aggregates protocol-wide collateral and secondary pool shares. Debt
// totals live in DebtState since they are derived through the debt index.
type Totals struct {
	TotalCollateral      *big.Int
	TotalSecondaryShares *big.Int
}

// DebtState carries the global debt index accumulator. A position's real debt
// is DebtUnits × DebtIndex / ray, so a single harvest reduces every
// borrower's debt proportionally without touching their records.
type DebtState struct {
	// DebtIndex is a ray (1e27) multiplier, monotonically non-increasing.
	DebtIndex *big.Int
	// TotalDebtUnits is the sum of all Position.DebtUnits.
	TotalDebtUnits *big.Int
}

// StrategyPosition is the single pool position held by the yield strategy,
// plus the protocol stable buffer used to pair deposited collateral.
type StrategyPosition struct {
	LPShares       *big.Int
	CostCollateral *big.Int
	CostStable     *big.Int
	StableBuffer   *big.Int
}

type storedPosition struct {
	Prefix          string
	Addr            []byte
	Collateral      *big.Int
	DebtUnits       *big.Int
	SecondaryShares *big.Int
}

type storedTotals struct {
	TotalCollateral      *big.Int
	TotalSecondaryShares *big.Int
}

type storedDebtState struct {
	DebtIndex      *big.Int
	TotalDebtUnits *big.Int
}

type storedStrategy struct {
	LPShares       *big.Int
	CostCollateral *big.Int
	CostStable     *big.Int
	StableBuffer   *big.Int
}

// Store persists protocol records in the underlying key-value database using
// RLP encoding.
type Store struct {
	db storage.Database
}

// NewStore constructs a store bound to the provided database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func positionKey(addr crypto.Address) []byte {
	return append(append([]byte(nil), positionPrefix...), addr.Bytes()...)
}

// GetPosition loads a position, returning nil when the user has never
// interacted with the protocol.
func (s *Store) GetPosition(addr crypto.Address) (*Position, error) {
	var stored storedPosition
	ok, err := s.get(positionKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Position{
		Address:         crypto.NewAddress(crypto.AddressPrefix(stored.Prefix), stored.Addr),
		Collateral:      nonNil(stored.Collateral),
		DebtUnits:       nonNil(stored.DebtUnits),
		SecondaryShares: nonNil(stored.SecondaryShares),
	}, nil
}

// PutPosition writes the position record.
func (s *Store) PutPosition(position *Position) error {
	if position == nil {
		return errNilPosition
	}
	stored := storedPosition{
		Prefix:          string(position.Address.Prefix()),
		Addr:            position.Address.Bytes(),
		Collateral:      nonNil(position.Collateral),
		DebtUnits:       nonNil(position.DebtUnits),
		SecondaryShares: nonNil(position.SecondaryShares),
	}
	return s.put(positionKey(position.Address), &stored)
}

// GetTotals loads the protocol totals, zero-initialized when unset.
func (s *Store) GetTotals() (*Totals, error) {
	var stored storedTotals
	ok, err := s.get(totalsKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Totals{TotalCollateral: big.NewInt(0), TotalSecondaryShares: big.NewInt(0)}, nil
	}
	return &Totals{
		TotalCollateral:      nonNil(stored.TotalCollateral),
		TotalSecondaryShares: nonNil(stored.TotalSecondaryShares),
	}, nil
}

// PutTotals writes the protocol totals.
func (s *Store) PutTotals(totals *Totals) error {
	if totals == nil {
		return errors.New("state: totals must not be nil")
	}
	stored := storedTotals{
		TotalCollateral:      nonNil(totals.TotalCollateral),
		TotalSecondaryShares: nonNil(totals.TotalSecondaryShares),
	}
	return s.put(totalsKey, &stored)
}

// GetDebtState loads the debt index state. A fresh store starts at index ray
// with zero units.
func (s *Store) GetDebtState() (*DebtState, error) {
	var stored storedDebtState
	ok, err := s.get(debtStateKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &DebtState{
		DebtIndex:      nonNil(stored.DebtIndex),
		TotalDebtUnits: nonNil(stored.TotalDebtUnits),
	}, nil
}

// PutDebtState writes the debt index state.
func (s *Store) PutDebtState(ds *DebtState) error {
	if ds == nil {
		return errors.New("state: debt state must not be nil")
	}
	stored := storedDebtState{
		DebtIndex:      nonNil(ds.DebtIndex),
		TotalDebtUnits: nonNil(ds.TotalDebtUnits),
	}
	return s.put(debtStateKey, &stored)
}

// GetStrategyPosition loads the strategy pool position, nil when the strategy
// has never deployed.
func (s *Store) GetStrategyPosition() (*StrategyPosition, error) {
	var stored storedStrategy
	ok, err := s.get(strategyKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &StrategyPosition{
		LPShares:       nonNil(stored.LPShares),
		CostCollateral: nonNil(stored.CostCollateral),
		CostStable:     nonNil(stored.CostStable),
		StableBuffer:   nonNil(stored.StableBuffer),
	}, nil
}

// PutStrategyPosition writes the strategy pool position.
func (s *Store) PutStrategyPosition(sp *StrategyPosition) error {
	if sp == nil {
		return errors.New("state: strategy position must not be nil")
	}
	stored := storedStrategy{
		LPShares:       nonNil(sp.LPShares),
		CostCollateral: nonNil(sp.CostCollateral),
		CostStable:     nonNil(sp.CostStable),
		StableBuffer:   nonNil(sp.StableBuffer),
	}
	return s.put(strategyKey, &stored)
}

func (s *Store) get(key []byte, out interface{}) (bool, error) {
	if out == nil {
		return false, errNilContainer
	}
	raw, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(key []byte, value interface{}) error {
	raw, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return s.db.Put(key, raw)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
