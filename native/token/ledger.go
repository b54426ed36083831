package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"stratum/crypto"
	"stratum/storage"
)

var (
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrUnknownSymbol         = errors.New("token: symbol required")
	ErrMintNotAuthorized     = errors.New("token: caller is not the mint authority")
	ErrAuthorityConfigured   = errors.New("token: mint authority already configured")
)

var (
	balancePrefix   = []byte("token/bal/")
	allowancePrefix = []byte("token/allow/")
	authorityPrefix = []byte("token/auth/")
)

// Ledger tracks fungible balances for every asset the protocol touches:
// collateral, the stable leg, the debt token and pool LP shares. It follows
// standard transfer/approve semantics. Minting is gated per symbol so only
// the debt ledger can create debt-token supply.
type Ledger struct {
	db storage.Database
}

// NewLedger constructs a ledger bound to the provided database.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

// BalanceOf returns the current balance, zero for untouched accounts.
func (l *Ledger) BalanceOf(symbol string, addr crypto.Address) (*big.Int, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return l.readAmount(balanceKey(symbol, addr))
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(symbol string, from, to crypto.Address, amount *big.Int) error {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromBal, err := l.readAmount(balanceKey(symbol, from))
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBal, err := l.readAmount(balanceKey(symbol, to))
	if err != nil {
		return err
	}
	if err := l.writeAmount(balanceKey(symbol, from), new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return l.writeAmount(balanceKey(symbol, to), new(big.Int).Add(toBal, amount))
}

// Approve records a spending allowance for the spender on the owner's funds.
// A zero amount clears the allowance.
func (l *Ledger) Approve(symbol string, owner, spender crypto.Address, amount *big.Int) error {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return l.writeAmount(allowanceKey(symbol, owner, spender), amount)
}

// Allowance returns the remaining spendable amount for spender on owner funds.
func (l *Ledger) Allowance(symbol string, owner, spender crypto.Address) (*big.Int, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return l.readAmount(allowanceKey(symbol, owner, spender))
}

// TransferFrom spends the owner's allowance to move funds. Used by modules
// pulling tokens from user custody into protocol custody.
func (l *Ledger) TransferFrom(symbol string, spender, owner, to crypto.Address, amount *big.Int) error {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	allowance, err := l.readAmount(allowanceKey(symbol, owner, spender))
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.Transfer(symbol, owner, to, amount); err != nil {
		return err
	}
	return l.writeAmount(allowanceKey(symbol, owner, spender), new(big.Int).Sub(allowance, amount))
}

// SetMintAuthority binds the only account allowed to mint and burn the
// symbol. The binding is one-shot: re-binding after provisioning fails.
func (l *Ledger) SetMintAuthority(symbol string, authority crypto.Address) error {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	key := authorityKey(symbol)
	exists, err := l.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return ErrAuthorityConfigured
	}
	return l.db.Put(key, authority.Bytes())
}

// MintAuthority returns the configured authority, or a zero address when the
// symbol is freely mintable (test fixtures only).
func (l *Ledger) MintAuthority(symbol string) (crypto.Address, bool, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return crypto.Address{}, false, err
	}
	raw, err := l.db.Get(authorityKey(symbol))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return crypto.Address{}, false, nil
		}
		return crypto.Address{}, false, err
	}
	return crypto.NewAddress(crypto.ModulePrefix, raw), true, nil
}

// Mint credits newly created supply to the recipient. When an authority is
// configured the caller must match it.
func (l *Ledger) Mint(symbol string, caller, to crypto.Address, amount *big.Int) error {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.checkAuthority(symbol, caller); err != nil {
		return err
	}
	balance, err := l.readAmount(balanceKey(symbol, to))
	if err != nil {
		return err
	}
	return l.writeAmount(balanceKey(symbol, to), new(big.Int).Add(balance, amount))
}

// Burn destroys supply held by the target account.
func (l *Ledger) Burn(symbol string, caller, from crypto.Address, amount *big.Int) error {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.checkAuthority(symbol, caller); err != nil {
		return err
	}
	balance, err := l.readAmount(balanceKey(symbol, from))
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return l.writeAmount(balanceKey(symbol, from), new(big.Int).Sub(balance, amount))
}

func (l *Ledger) checkAuthority(symbol string, caller crypto.Address) error {
	authority, configured, err := l.MintAuthority(symbol)
	if err != nil {
		return err
	}
	if !configured {
		return nil
	}
	if string(authority.Bytes()) != string(caller.Bytes()) {
		return ErrMintNotAuthorized
	}
	return nil
}

func (l *Ledger) readAmount(key []byte) (*big.Int, error) {
	raw, err := l.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(raw, amount); err != nil {
		return nil, fmt.Errorf("token: decode amount: %w", err)
	}
	return amount, nil
}

func (l *Ledger) writeAmount(key []byte, amount *big.Int) error {
	raw, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return fmt.Errorf("token: encode amount: %w", err)
	}
	return l.db.Put(key, raw)
}

func normalizeSymbol(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", ErrUnknownSymbol
	}
	return trimmed, nil
}

func balanceKey(symbol string, addr crypto.Address) []byte {
	key := append(append([]byte(nil), balancePrefix...), symbol...)
	key = append(key, '/')
	return append(key, addr.Bytes()...)
}

func allowanceKey(symbol string, owner, spender crypto.Address) []byte {
	key := append(append([]byte(nil), allowancePrefix...), symbol...)
	key = append(key, '/')
	key = append(key, owner.Bytes()...)
	key = append(key, '/')
	return append(key, spender.Bytes()...)
}

func authorityKey(symbol string) []byte {
	return append(append([]byte(nil), authorityPrefix...), symbol...)
}
