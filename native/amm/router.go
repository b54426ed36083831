package amm

import (
	"errors"
	"math/big"
	"time"

	"stratum/crypto"
)

var (
	ErrDeadlineExpired       = errors.New("amm: deadline expired")
	ErrSlippageExceeded      = errors.New("amm: slippage exceeded")
	ErrUnknownPool           = errors.New("amm: unknown pool")
	ErrInvalidPath           = errors.New("amm: swap path requires at least two tokens")
	ErrInvalidAmount         = errors.New("amm: amount must be positive")
	ErrInsufficientLiquidity = errors.New("amm: insufficient liquidity")
)

// Router is the fixed interface through which the core reaches external
// liquidity venues. Every mutating call takes an explicit deadline and
// minimum-output bounds; production paths must always pass non-zero minimums.
type Router interface {
	AddLiquidity(caller crypto.Address, tokenA, tokenB string, amountADesired, amountBDesired, amountAMin, amountBMin *big.Int, recipient crypto.Address, deadline time.Time) (amountA, amountB, liquidity *big.Int, err error)
	RemoveLiquidity(caller crypto.Address, tokenA, tokenB string, liquidity, amountAMin, amountBMin *big.Int, recipient crypto.Address, deadline time.Time) (amountA, amountB *big.Int, err error)
	SwapExactTokensForTokens(caller crypto.Address, amountIn, amountOutMin *big.Int, path []string, recipient crypto.Address, deadline time.Time) ([]*big.Int, error)
	GetReserves(tokenA, tokenB string) (reserveA, reserveB *big.Int, err error)
	// QuoteRemove previews the legs a liquidity burn would release without
	// touching the pool.
	QuoteRemove(tokenA, tokenB string, liquidity *big.Int) (amountA, amountB *big.Int, err error)
}
