package amm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"stratum/crypto"
	"stratum/native/token"
	"stratum/storage"
)

var (
	basisPoints = big.NewInt(10_000)
	poolPrefix  = []byte("amm/pool/")
)

type storedPool struct {
	ReserveA    *big.Int
	ReserveB    *big.Int
	TotalShares *big.Int
}

// pool is a single constant-product pair. Reserves mirror the token balances
// held by the pool's custody account; trading fees accrue to the reserves so
// LP share value grows with volume.
type pool struct {
	tokenA      string
	tokenB      string
	lpSymbol    string
	account     crypto.Address
	reserveA    *big.Int
	reserveB    *big.Int
	totalShares *big.Int
}

// Engine is an in-process liquidity venue implementing the Router interface.
// It stands in for the external AMM in tests and local deployments; reserves
// and LP shares settle through the shared token ledger like any other venue.
type Engine struct {
	mu      sync.Mutex
	ledger  *token.Ledger
	db      storage.Database
	feeBps  uint64
	pools   map[string]*pool
	account crypto.Address
	clock   func() time.Time
}

// NewEngine constructs a venue with the given swap fee in basis points.
func NewEngine(ledger *token.Ledger, feeBps uint64) *Engine {
	return &Engine{
		ledger:  ledger,
		feeBps:  feeBps,
		pools:   make(map[string]*pool),
		account: crypto.ModuleAddress("amm"),
		clock:   time.Now,
	}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// SetStore wires a database so pool reserves and share supply survive
// restarts alongside the token balances they mirror. Without it the venue is
// purely in-memory.
func (e *Engine) SetStore(db storage.Database) { e.db = db }

func poolStateKey(key string) []byte {
	return append(append([]byte(nil), poolPrefix...), key...)
}

func (e *Engine) loadPool(key string, p *pool) error {
	if e.db == nil {
		return nil
	}
	raw, err := e.db.Get(poolStateKey(key))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	var stored storedPool
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return fmt.Errorf("amm: decode pool %s: %w", key, err)
	}
	p.reserveA = stored.ReserveA
	p.reserveB = stored.ReserveB
	p.totalShares = stored.TotalShares
	return nil
}

func (e *Engine) persistPool(key string, p *pool) error {
	if e.db == nil {
		return nil
	}
	raw, err := rlp.EncodeToBytes(&storedPool{
		ReserveA:    p.reserveA,
		ReserveB:    p.reserveB,
		TotalShares: p.totalShares,
	})
	if err != nil {
		return fmt.Errorf("amm: encode pool %s: %w", key, err)
	}
	return e.db.Put(poolStateKey(key), raw)
}

// CreatePool registers a trading pair. The LP token mint is gated to the
// venue account.
func (e *Engine) CreatePool(tokenA, tokenB string) error {
	key, a, b, err := pairKey(tokenA, tokenB)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pools[key]; exists {
		return fmt.Errorf("amm: pool %s already exists", key)
	}
	lpSymbol := "LP-" + key
	// A restart re-registers pools against a ledger that already carries the
	// LP mint authority from the previous run.
	if err := e.ledger.SetMintAuthority(lpSymbol, e.account); err != nil && !errors.Is(err, token.ErrAuthorityConfigured) {
		return err
	}
	p := &pool{
		tokenA:      a,
		tokenB:      b,
		lpSymbol:    lpSymbol,
		account:     crypto.ModuleAddress("amm/" + key),
		reserveA:    big.NewInt(0),
		reserveB:    big.NewInt(0),
		totalShares: big.NewInt(0),
	}
	// Registering a pair that already traded in a previous run picks its
	// reserves and share supply back up from the database.
	if err := e.loadPool(key, p); err != nil {
		return err
	}
	e.pools[key] = p
	return nil
}

// LPSymbol returns the LP token symbol for a pair.
func (e *Engine) LPSymbol(tokenA, tokenB string) (string, error) {
	key, _, _, err := pairKey(tokenA, tokenB)
	if err != nil {
		return "", err
	}
	return "LP-" + key, nil
}

// GetReserves reports the current reserves oriented to the argument order.
func (e *Engine) GetReserves(tokenA, tokenB string) (*big.Int, *big.Int, error) {
	key, a, _, err := pairKey(tokenA, tokenB)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[key]
	if !ok {
		return nil, nil, ErrUnknownPool
	}
	ra := new(big.Int).Set(p.reserveA)
	rb := new(big.Int).Set(p.reserveB)
	if strings.EqualFold(tokenA, a) {
		return ra, rb, nil
	}
	return rb, ra, nil
}

// AddLiquidity deposits both legs and mints LP shares to the recipient.
func (e *Engine) AddLiquidity(caller crypto.Address, tokenA, tokenB string, amountADesired, amountBDesired, amountAMin, amountBMin *big.Int, recipient crypto.Address, deadline time.Time) (*big.Int, *big.Int, *big.Int, error) {
	if err := e.checkDeadline(deadline); err != nil {
		return nil, nil, nil, err
	}
	if !positive(amountADesired) || !positive(amountBDesired) {
		return nil, nil, nil, ErrInvalidAmount
	}
	key, a, _, err := pairKey(tokenA, tokenB)
	if err != nil {
		return nil, nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[key]
	if !ok {
		return nil, nil, nil, ErrUnknownPool
	}

	// Orient the request to the pool's canonical token order.
	aDesired, bDesired := amountADesired, amountBDesired
	aMin, bMin := amountAMin, amountBMin
	flipped := !strings.EqualFold(tokenA, a)
	if flipped {
		aDesired, bDesired = bDesired, aDesired
		aMin, bMin = bMin, aMin
	}

	var amountA, amountB, minted *big.Int
	if p.totalShares.Sign() == 0 {
		amountA = new(big.Int).Set(aDesired)
		amountB = new(big.Int).Set(bDesired)
		minted = new(big.Int).Sqrt(new(big.Int).Mul(amountA, amountB))
		if minted.Sign() == 0 {
			return nil, nil, nil, ErrInsufficientLiquidity
		}
	} else {
		bOptimal := new(big.Int).Mul(aDesired, p.reserveB)
		bOptimal.Quo(bOptimal, p.reserveA)
		if bOptimal.Cmp(bDesired) <= 0 {
			if bMin != nil && bOptimal.Cmp(bMin) < 0 {
				return nil, nil, nil, ErrSlippageExceeded
			}
			amountA = new(big.Int).Set(aDesired)
			amountB = bOptimal
		} else {
			aOptimal := new(big.Int).Mul(bDesired, p.reserveA)
			aOptimal.Quo(aOptimal, p.reserveB)
			if aMin != nil && aOptimal.Cmp(aMin) < 0 {
				return nil, nil, nil, ErrSlippageExceeded
			}
			amountA = aOptimal
			amountB = new(big.Int).Set(bDesired)
		}
		mintedA := new(big.Int).Mul(amountA, p.totalShares)
		mintedA.Quo(mintedA, p.reserveA)
		mintedB := new(big.Int).Mul(amountB, p.totalShares)
		mintedB.Quo(mintedB, p.reserveB)
		minted = mintedA
		if mintedB.Cmp(minted) < 0 {
			minted = mintedB
		}
		if minted.Sign() == 0 {
			return nil, nil, nil, ErrInsufficientLiquidity
		}
	}

	if err := e.ledger.Transfer(p.tokenA, caller, p.account, amountA); err != nil {
		return nil, nil, nil, err
	}
	if err := e.ledger.Transfer(p.tokenB, caller, p.account, amountB); err != nil {
		return nil, nil, nil, err
	}
	if err := e.ledger.Mint(p.lpSymbol, e.account, recipient, minted); err != nil {
		return nil, nil, nil, err
	}
	p.reserveA = new(big.Int).Add(p.reserveA, amountA)
	p.reserveB = new(big.Int).Add(p.reserveB, amountB)
	p.totalShares = new(big.Int).Add(p.totalShares, minted)
	if err := e.persistPool(key, p); err != nil {
		return nil, nil, nil, err
	}

	if flipped {
		return amountB, amountA, minted, nil
	}
	return amountA, amountB, minted, nil
}

// RemoveLiquidity burns LP shares and releases the proportional reserves.
func (e *Engine) RemoveLiquidity(caller crypto.Address, tokenA, tokenB string, liquidity, amountAMin, amountBMin *big.Int, recipient crypto.Address, deadline time.Time) (*big.Int, *big.Int, error) {
	if err := e.checkDeadline(deadline); err != nil {
		return nil, nil, err
	}
	if !positive(liquidity) {
		return nil, nil, ErrInvalidAmount
	}
	key, a, _, err := pairKey(tokenA, tokenB)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[key]
	if !ok {
		return nil, nil, ErrUnknownPool
	}
	if p.totalShares.Sign() == 0 || liquidity.Cmp(p.totalShares) > 0 {
		return nil, nil, ErrInsufficientLiquidity
	}

	amountA := new(big.Int).Mul(liquidity, p.reserveA)
	amountA.Quo(amountA, p.totalShares)
	amountB := new(big.Int).Mul(liquidity, p.reserveB)
	amountB.Quo(amountB, p.totalShares)

	aMin, bMin := amountAMin, amountBMin
	flipped := !strings.EqualFold(tokenA, a)
	if flipped {
		aMin, bMin = bMin, aMin
	}
	if aMin != nil && amountA.Cmp(aMin) < 0 {
		return nil, nil, ErrSlippageExceeded
	}
	if bMin != nil && amountB.Cmp(bMin) < 0 {
		return nil, nil, ErrSlippageExceeded
	}

	if err := e.ledger.Burn(p.lpSymbol, e.account, caller, liquidity); err != nil {
		return nil, nil, err
	}
	if err := e.ledger.Transfer(p.tokenA, p.account, recipient, amountA); err != nil {
		return nil, nil, err
	}
	if err := e.ledger.Transfer(p.tokenB, p.account, recipient, amountB); err != nil {
		return nil, nil, err
	}
	p.reserveA = new(big.Int).Sub(p.reserveA, amountA)
	p.reserveB = new(big.Int).Sub(p.reserveB, amountB)
	p.totalShares = new(big.Int).Sub(p.totalShares, liquidity)
	if err := e.persistPool(key, p); err != nil {
		return nil, nil, err
	}

	if flipped {
		return amountB, amountA, nil
	}
	return amountA, amountB, nil
}

// QuoteRemove previews the reserves a liquidity burn would release.
func (e *Engine) QuoteRemove(tokenA, tokenB string, liquidity *big.Int) (*big.Int, *big.Int, error) {
	if !positive(liquidity) {
		return nil, nil, ErrInvalidAmount
	}
	key, a, _, err := pairKey(tokenA, tokenB)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[key]
	if !ok {
		return nil, nil, ErrUnknownPool
	}
	if p.totalShares.Sign() == 0 || liquidity.Cmp(p.totalShares) > 0 {
		return nil, nil, ErrInsufficientLiquidity
	}
	amountA := new(big.Int).Mul(liquidity, p.reserveA)
	amountA.Quo(amountA, p.totalShares)
	amountB := new(big.Int).Mul(liquidity, p.reserveB)
	amountB.Quo(amountB, p.totalShares)
	if !strings.EqualFold(tokenA, a) {
		return amountB, amountA, nil
	}
	return amountA, amountB, nil
}

// SwapExactTokensForTokens routes an exact input along the path. The whole
// route is quoted against current reserves first and the minimum output is
// checked on the quote, so a swap that cannot meet it fails before any token
// moves or reserve changes.
func (e *Engine) SwapExactTokensForTokens(caller crypto.Address, amountIn, amountOutMin *big.Int, path []string, recipient crypto.Address, deadline time.Time) ([]*big.Int, error) {
	if err := e.checkDeadline(deadline); err != nil {
		return nil, err
	}
	if !positive(amountIn) {
		return nil, ErrInvalidAmount
	}
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	amounts, err := e.quotePath(amountIn, path)
	if err != nil {
		return nil, err
	}
	if amountOutMin != nil && amounts[len(amounts)-1].Cmp(amountOutMin) < 0 {
		return nil, ErrSlippageExceeded
	}

	holder := caller
	for i := 0; i+1 < len(path); i++ {
		if err := e.settleLeg(holder, path[i], path[i+1], amounts[i], amounts[i+1], recipient); err != nil {
			return nil, err
		}
		// Intermediate legs settle through the recipient's account.
		holder = recipient
	}
	return amounts, nil
}

// quotePath computes every leg's output against virtual reserves without
// moving tokens. A pool visited twice along the path sees the earlier legs'
// effects.
func (e *Engine) quotePath(amountIn *big.Int, path []string) ([]*big.Int, error) {
	virtual := make(map[string][2]*big.Int)
	amounts := make([]*big.Int, 0, len(path))
	amounts = append(amounts, new(big.Int).Set(amountIn))
	current := new(big.Int).Set(amountIn)
	for i := 0; i+1 < len(path); i++ {
		key, a, _, err := pairKey(path[i], path[i+1])
		if err != nil {
			return nil, err
		}
		p, ok := e.pools[key]
		if !ok {
			return nil, ErrUnknownPool
		}
		rs, ok := virtual[key]
		if !ok {
			rs = [2]*big.Int{new(big.Int).Set(p.reserveA), new(big.Int).Set(p.reserveB)}
			virtual[key] = rs
		}
		reserveIn, reserveOut := rs[0], rs[1]
		if !strings.EqualFold(path[i], a) {
			reserveIn, reserveOut = rs[1], rs[0]
		}
		if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
			return nil, ErrInsufficientLiquidity
		}

		// Constant product with fee on input: out = inFee·rOut / (rIn + inFee).
		feeFactor := new(big.Int).SetUint64(10_000 - e.feeBps)
		inWithFee := new(big.Int).Mul(current, feeFactor)
		numerator := new(big.Int).Mul(inWithFee, reserveOut)
		denominator := new(big.Int).Mul(reserveIn, basisPoints)
		denominator.Add(denominator, inWithFee)
		out := numerator.Quo(numerator, denominator)
		if out.Sign() <= 0 {
			return nil, ErrInsufficientLiquidity
		}
		reserveIn.Add(reserveIn, current)
		reserveOut.Sub(reserveOut, out)
		amounts = append(amounts, out)
		current = out
	}
	return amounts, nil
}

// settleLeg moves one quoted leg's tokens and applies it to the live
// reserves.
func (e *Engine) settleLeg(holder crypto.Address, tokenIn, tokenOut string, amountIn, amountOut *big.Int, recipient crypto.Address) error {
	key, _, _, err := pairKey(tokenIn, tokenOut)
	if err != nil {
		return err
	}
	p, ok := e.pools[key]
	if !ok {
		return ErrUnknownPool
	}

	inSymbol := strings.ToUpper(strings.TrimSpace(tokenIn))
	outSymbol := p.tokenB
	if !strings.EqualFold(inSymbol, p.tokenA) {
		outSymbol = p.tokenA
	}
	if err := e.ledger.Transfer(inSymbol, holder, p.account, amountIn); err != nil {
		return err
	}
	if err := e.ledger.Transfer(outSymbol, p.account, recipient, amountOut); err != nil {
		return err
	}

	if strings.EqualFold(inSymbol, p.tokenA) {
		p.reserveA = new(big.Int).Add(p.reserveA, amountIn)
		p.reserveB = new(big.Int).Sub(p.reserveB, amountOut)
	} else {
		p.reserveB = new(big.Int).Add(p.reserveB, amountIn)
		p.reserveA = new(big.Int).Sub(p.reserveA, amountOut)
	}
	return e.persistPool(key, p)
}

func (e *Engine) checkDeadline(deadline time.Time) error {
	if deadline.IsZero() {
		return nil
	}
	if e.clock().After(deadline) {
		return ErrDeadlineExpired
	}
	return nil
}

func pairKey(tokenA, tokenB string) (string, string, string, error) {
	a := strings.ToUpper(strings.TrimSpace(tokenA))
	b := strings.ToUpper(strings.TrimSpace(tokenB))
	if a == "" || b == "" || a == b {
		return "", "", "", fmt.Errorf("amm: invalid pair %q/%q", tokenA, tokenB)
	}
	if a > b {
		a, b = b, a
	}
	return a + "-" + b, a, b, nil
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
