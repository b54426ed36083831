package amm

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"stratum/crypto"
	"stratum/native/token"
	"stratum/storage"
)

func wei(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000_000_000_000_000))
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func setupVenue(t *testing.T) (*Engine, *token.Ledger, crypto.Address) {
	t.Helper()
	ledger := token.NewLedger(storage.NewMemDB())
	venue := NewEngine(ledger, 30)
	venue.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	if err := venue.CreatePool("BTC", "MUSD"); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	lp := makeAddress(0x01)
	if err := ledger.Mint("BTC", lp, lp, wei(10)); err != nil {
		t.Fatalf("mint btc: %v", err)
	}
	if err := ledger.Mint("MUSD", lp, lp, wei(1_000_000)); err != nil {
		t.Fatalf("mint musd: %v", err)
	}
	return venue, ledger, lp
}

func TestAddRemoveLiquidityRoundTrip(t *testing.T) {
	venue, ledger, lp := setupVenue(t)

	amountA, amountB, liquidity, err := venue.AddLiquidity(lp, "BTC", "MUSD", wei(10), wei(950_000), wei(10), wei(950_000), lp, time.Time{})
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if amountA.Cmp(wei(10)) != 0 || amountB.Cmp(wei(950_000)) != 0 {
		t.Fatalf("unexpected deposit amounts: %s %s", amountA, amountB)
	}
	if liquidity.Sign() <= 0 {
		t.Fatalf("expected minted LP shares")
	}

	lpSymbol, err := venue.LPSymbol("BTC", "MUSD")
	if err != nil {
		t.Fatalf("lp symbol: %v", err)
	}
	shares, _ := ledger.BalanceOf(lpSymbol, lp)
	if shares.Cmp(liquidity) != 0 {
		t.Fatalf("lp shares not credited: %s", shares)
	}

	outA, outB, err := venue.RemoveLiquidity(lp, "BTC", "MUSD", liquidity, nil, nil, lp, time.Time{})
	if err != nil {
		t.Fatalf("remove liquidity: %v", err)
	}
	if outA.Cmp(wei(10)) != 0 || outB.Cmp(wei(950_000)) != 0 {
		t.Fatalf("unexpected withdrawal amounts: %s %s", outA, outB)
	}
}

func TestSwapChargesFeeAndMovesReserves(t *testing.T) {
	venue, ledger, lp := setupVenue(t)
	if _, _, _, err := venue.AddLiquidity(lp, "BTC", "MUSD", wei(10), wei(950_000), nil, nil, lp, time.Time{}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	trader := makeAddress(0x02)
	if err := ledger.Mint("MUSD", trader, trader, wei(95_000)); err != nil {
		t.Fatalf("fund trader: %v", err)
	}

	amounts, err := venue.SwapExactTokensForTokens(trader, wei(95_000), big.NewInt(1), []string{"MUSD", "BTC"}, trader, time.Time{})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if len(amounts) != 2 {
		t.Fatalf("expected two swap legs, got %d", len(amounts))
	}
	got := amounts[1]
	// Fee means strictly less than the no-fee constant-product output.
	noFee := new(big.Int).Mul(wei(95_000), wei(10))
	noFee.Quo(noFee, new(big.Int).Add(wei(950_000), wei(95_000)))
	if got.Cmp(noFee) >= 0 {
		t.Fatalf("fee not applied: got %s limit %s", got, noFee)
	}
	btcBal, _ := ledger.BalanceOf("BTC", trader)
	if btcBal.Cmp(got) != 0 {
		t.Fatalf("trader did not receive output: %s", btcBal)
	}
}

func TestSwapRespectsMinimumOutput(t *testing.T) {
	venue, ledger, lp := setupVenue(t)
	if _, _, _, err := venue.AddLiquidity(lp, "BTC", "MUSD", wei(10), wei(950_000), nil, nil, lp, time.Time{}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	trader := makeAddress(0x02)
	if err := ledger.Mint("MUSD", trader, trader, wei(1_000)); err != nil {
		t.Fatalf("fund trader: %v", err)
	}

	_, err := venue.SwapExactTokensForTokens(trader, wei(1_000), wei(1), []string{"MUSD", "BTC"}, trader, time.Time{})
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}

	// A rejected swap settles nothing: reserves and balances are untouched.
	reserveBTC, reserveMUSD, err := venue.GetReserves("BTC", "MUSD")
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if reserveBTC.Cmp(wei(10)) != 0 || reserveMUSD.Cmp(wei(950_000)) != 0 {
		t.Fatalf("reserves moved on rejected swap: %s %s", reserveBTC, reserveMUSD)
	}
	musdBal, _ := ledger.BalanceOf("MUSD", trader)
	if musdBal.Cmp(wei(1_000)) != 0 {
		t.Fatalf("input leg pulled on rejected swap: %s", musdBal)
	}
	btcBal, _ := ledger.BalanceOf("BTC", trader)
	if btcBal.Sign() != 0 {
		t.Fatalf("output leg paid on rejected swap: %s", btcBal)
	}
}

func TestPoolStateSurvivesRestart(t *testing.T) {
	db := storage.NewMemDB()
	ledger := token.NewLedger(db)
	venue := NewEngine(ledger, 30)
	venue.SetStore(db)
	venue.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	if err := venue.CreatePool("BTC", "MUSD"); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	lp := makeAddress(0x01)
	if err := ledger.Mint("BTC", lp, lp, wei(10)); err != nil {
		t.Fatalf("mint btc: %v", err)
	}
	if err := ledger.Mint("MUSD", lp, lp, wei(950_000)); err != nil {
		t.Fatalf("mint musd: %v", err)
	}
	_, _, liquidity, err := venue.AddLiquidity(lp, "BTC", "MUSD", wei(10), wei(950_000), nil, nil, lp, time.Time{})
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}

	// A fresh engine over the same database stands in for a restarted
	// daemon re-registering its pools.
	reborn := NewEngine(ledger, 30)
	reborn.SetStore(db)
	reborn.SetClock(func() time.Time { return time.Unix(1_700_000_100, 0) })
	if err := reborn.CreatePool("BTC", "MUSD"); err != nil {
		t.Fatalf("re-create pool: %v", err)
	}
	reserveBTC, reserveMUSD, err := reborn.GetReserves("BTC", "MUSD")
	if err != nil {
		t.Fatalf("reserves after restart: %v", err)
	}
	if reserveBTC.Cmp(wei(10)) != 0 || reserveMUSD.Cmp(wei(950_000)) != 0 {
		t.Fatalf("reserves lost across restart: %s %s", reserveBTC, reserveMUSD)
	}

	outA, outB, err := reborn.RemoveLiquidity(lp, "BTC", "MUSD", liquidity, nil, nil, lp, time.Time{})
	if err != nil {
		t.Fatalf("remove liquidity after restart: %v", err)
	}
	if outA.Cmp(wei(10)) != 0 || outB.Cmp(wei(950_000)) != 0 {
		t.Fatalf("unexpected withdrawal after restart: %s %s", outA, outB)
	}
}

func TestDeadlineEnforced(t *testing.T) {
	venue, _, lp := setupVenue(t)
	past := time.Unix(1_600_000_000, 0)
	_, _, _, err := venue.AddLiquidity(lp, "BTC", "MUSD", wei(1), wei(95_000), nil, nil, lp, past)
	if !errors.Is(err, ErrDeadlineExpired) {
		t.Fatalf("expected ErrDeadlineExpired, got %v", err)
	}
}

func TestProportionalSecondDeposit(t *testing.T) {
	venue, ledger, lp := setupVenue(t)
	if _, _, _, err := venue.AddLiquidity(lp, "BTC", "MUSD", wei(4), wei(380_000), nil, nil, lp, time.Time{}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	second := makeAddress(0x03)
	if err := ledger.Mint("BTC", second, second, wei(2)); err != nil {
		t.Fatalf("mint btc: %v", err)
	}
	if err := ledger.Mint("MUSD", second, second, wei(500_000)); err != nil {
		t.Fatalf("mint musd: %v", err)
	}

	// Offering too much stable: the venue should clamp to the pool ratio.
	amountA, amountB, _, err := venue.AddLiquidity(second, "BTC", "MUSD", wei(2), wei(500_000), nil, nil, second, time.Time{})
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if amountA.Cmp(wei(2)) != 0 {
		t.Fatalf("unexpected collateral leg: %s", amountA)
	}
	if amountB.Cmp(wei(190_000)) != 0 {
		t.Fatalf("expected ratio-clamped stable leg, got %s", amountB)
	}
}
