package debt

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"stratum/core/state"
	"stratum/crypto"
	"stratum/native/oracle"
	"stratum/native/token"
	"stratum/storage"
)

const testFeed = "btc-usd"

func wei(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000_000_000_000_000))
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

type fixture struct {
	engine *Engine
	store  *state.Store
	ledger *token.Ledger
	feed   *oracle.ManualFeed
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	store := state.NewStore(db)
	ledger := token.NewLedger(db)
	feed := oracle.NewManualFeed()
	now := time.Unix(1_700_000_000, 0)
	adapter := oracle.NewAdapter(feed, time.Minute)
	adapter.SetClock(func() time.Time { return now })

	engine := NewEngine(Params{LTVBps: 5_000})
	engine.SetState(store)
	engine.SetOracle(adapter, testFeed)
	engine.SetTokenLedger(ledger, "BMUSD")
	if err := ledger.SetMintAuthority("BMUSD", engine.ModuleAddress()); err != nil {
		t.Fatalf("set mint authority: %v", err)
	}
	return &fixture{engine: engine, store: store, ledger: ledger, feed: feed, now: now}
}

func (f *fixture) setPrice(t *testing.T, usd int64, age time.Duration) {
	t.Helper()
	// Pyth-style observation: mantissa at 1e8, exponent -8.
	mantissa := new(big.Int).Mul(big.NewInt(usd), big.NewInt(100_000_000))
	f.feed.SetPrice(testFeed, mantissa, -8, f.now.Add(-age))
}

func (f *fixture) setCollateral(t *testing.T, user crypto.Address, amount *big.Int) {
	t.Helper()
	position, err := f.store.GetPosition(user)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if position == nil {
		position = &state.Position{Address: user, Collateral: big.NewInt(0), DebtUnits: big.NewInt(0), SecondaryShares: big.NewInt(0)}
	}
	position.Collateral = amount
	if err := f.store.PutPosition(position); err != nil {
		t.Fatalf("put position: %v", err)
	}
}

func TestBorrowWithinCapacity(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	f.setPrice(t, 100, 0)
	f.setCollateral(t, user, wei(1))

	maxBorrow, current, available, err := f.engine.BorrowingCapacity(user)
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if maxBorrow.Cmp(wei(50)) != 0 {
		t.Fatalf("expected max 50, got %s", maxBorrow)
	}
	if current.Sign() != 0 || available.Cmp(wei(50)) != 0 {
		t.Fatalf("unexpected initial capacity: current=%s available=%s", current, available)
	}

	if err := f.engine.Borrow(user, wei(30)); err != nil {
		t.Fatalf("borrow 30: %v", err)
	}
	balance, err := f.ledger.BalanceOf("BMUSD", user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(wei(30)) != 0 {
		t.Fatalf("expected 30 minted, got %s", balance)
	}

	_, current, available, err = f.engine.BorrowingCapacity(user)
	if err != nil {
		t.Fatalf("capacity after borrow: %v", err)
	}
	if current.Cmp(wei(30)) != 0 || available.Cmp(wei(20)) != 0 {
		t.Fatalf("unexpected headroom: current=%s available=%s", current, available)
	}

	if err := f.engine.Borrow(user, wei(25)); !errors.Is(err, ErrExceedsCapacity) {
		t.Fatalf("expected ErrExceedsCapacity, got %v", err)
	}
}

func TestGlobalReductionScalesAllDebts(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, 100_000, 0)
	small := makeAddress(0x01)
	large := makeAddress(0x02)
	f.setCollateral(t, small, wei(1))
	f.setCollateral(t, large, wei(1))

	if err := f.engine.Borrow(small, wei(100)); err != nil {
		t.Fatalf("borrow small: %v", err)
	}
	if err := f.engine.Borrow(large, wei(900)); err != nil {
		t.Fatalf("borrow large: %v", err)
	}
	total, err := f.engine.TotalDebt()
	if err != nil {
		t.Fatalf("total debt: %v", err)
	}
	if total.Cmp(wei(1_000)) != 0 {
		t.Fatalf("expected total 1000, got %s", total)
	}

	if err := f.engine.ReduceDebtGlobally(wei(40)); err != nil {
		t.Fatalf("reduce: %v", err)
	}

	smallDebt, err := f.engine.CurrentDebt(small)
	if err != nil {
		t.Fatalf("small debt: %v", err)
	}
	if smallDebt.Cmp(wei(96)) != 0 {
		t.Fatalf("expected 10%% holder at 96, got %s", smallDebt)
	}
	largeDebt, _ := f.engine.CurrentDebt(large)
	if largeDebt.Cmp(wei(864)) != 0 {
		t.Fatalf("expected 90%% holder at 864, got %s", largeDebt)
	}
	total, _ = f.engine.TotalDebt()
	if total.Cmp(wei(960)) != 0 {
		t.Fatalf("expected total 960, got %s", total)
	}
}

func TestReduceDebtCannotOvershoot(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, 100_000, 0)
	user := makeAddress(0x01)
	f.setCollateral(t, user, wei(1))
	if err := f.engine.Borrow(user, wei(100)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := f.engine.ReduceDebtGlobally(wei(101)); !errors.Is(err, ErrAmountExceedsTotalDebt) {
		t.Fatalf("expected ErrAmountExceedsTotalDebt, got %v", err)
	}
	if err := f.engine.ReduceDebtGlobally(nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestStalePriceBlocksBorrow(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	f.setCollateral(t, user, wei(1))
	f.setPrice(t, 100, 2*time.Minute)

	err := f.engine.Borrow(user, wei(10))
	if !errors.Is(err, ErrOraclePriceUnavailable) {
		t.Fatalf("expected ErrOraclePriceUnavailable, got %v", err)
	}
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("expected staleness cause to surface, got %v", err)
	}
}

func TestFailedBorrowLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	f.setPrice(t, 100, 0)
	f.setCollateral(t, user, wei(1))
	if err := f.engine.Borrow(user, wei(10)); err != nil {
		t.Fatalf("seed borrow: %v", err)
	}

	before, err := f.store.GetPosition(user)
	if err != nil {
		t.Fatalf("snapshot position: %v", err)
	}
	dsBefore, err := f.store.GetDebtState()
	if err != nil {
		t.Fatalf("snapshot debt state: %v", err)
	}
	balBefore, _ := f.ledger.BalanceOf("BMUSD", user)

	if err := f.engine.Borrow(user, wei(41)); !errors.Is(err, ErrExceedsCapacity) {
		t.Fatalf("expected ErrExceedsCapacity, got %v", err)
	}

	after, _ := f.store.GetPosition(user)
	if after.DebtUnits.Cmp(before.DebtUnits) != 0 || after.Collateral.Cmp(before.Collateral) != 0 {
		t.Fatalf("position mutated by failed borrow")
	}
	dsAfter, _ := f.store.GetDebtState()
	if dsAfter.DebtIndex.Cmp(dsBefore.DebtIndex) != 0 || dsAfter.TotalDebtUnits.Cmp(dsBefore.TotalDebtUnits) != 0 {
		t.Fatalf("debt state mutated by failed borrow")
	}
	balAfter, _ := f.ledger.BalanceOf("BMUSD", user)
	if balAfter.Cmp(balBefore) != 0 {
		t.Fatalf("balance mutated by failed borrow")
	}
}

func TestFullReductionThenBorrowAgain(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, 100_000, 0)
	user := makeAddress(0x01)
	f.setCollateral(t, user, wei(1))
	if err := f.engine.Borrow(user, wei(100)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := f.engine.ReduceDebtGlobally(wei(100)); err != nil {
		t.Fatalf("full reduce: %v", err)
	}
	debt, err := f.engine.CurrentDebt(user)
	if err != nil {
		t.Fatalf("debt after full reduce: %v", err)
	}
	if debt.Sign() != 0 {
		t.Fatalf("expected zero debt, got %s", debt)
	}
	if err := f.engine.Borrow(user, wei(50)); err != nil {
		t.Fatalf("borrow after full reduce: %v", err)
	}
	debt, _ = f.engine.CurrentDebt(user)
	if debt.Cmp(wei(50)) != 0 {
		t.Fatalf("expected 50 debt, got %s", debt)
	}
}
