package protocol

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"stratum/core/state"
	"stratum/crypto"
	"stratum/native/amm"
	"stratum/native/common"
	"stratum/native/debt"
	"stratum/native/harvest"
	"stratum/native/oracle"
	"stratum/native/strategy"
	"stratum/native/token"
	"stratum/native/turbo"
	"stratum/native/vault"
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
	protocol *Protocol
	wiring   Wiring
	ledger   *token.Ledger
	feed     *oracle.ManualFeed
	owner    crypto.Address
	now      time.Time
}

func buildWiring(t *testing.T) (Wiring, *token.Ledger, *oracle.ManualFeed, time.Time) {
	t.Helper()
	db := storage.NewMemDB()
	store := state.NewStore(db)
	ledger := token.NewLedger(db)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	venue := amm.NewEngine(ledger, 30)
	venue.SetClock(clock)
	for _, pair := range [][2]string{{"BTC", "MUSD"}, {"BMUSD", "MUSD"}} {
		if err := venue.CreatePool(pair[0], pair[1]); err != nil {
			t.Fatalf("create pool %v: %v", pair, err)
		}
	}
	whale := makeAddress(0xff)
	if err := ledger.Mint("BTC", whale, whale, wei(100)); err != nil {
		t.Fatalf("mint btc: %v", err)
	}
	if err := ledger.Mint("MUSD", whale, whale, wei(11_000_000)); err != nil {
		t.Fatalf("mint musd: %v", err)
	}
	if _, _, _, err := venue.AddLiquidity(whale, "BTC", "MUSD", wei(100), wei(10_000_000), nil, nil, whale, time.Time{}); err != nil {
		t.Fatalf("seed primary pool: %v", err)
	}

	feed := oracle.NewManualFeed()
	adapter := oracle.NewAdapter(feed, time.Minute)
	adapter.SetClock(clock)
	mantissa := new(big.Int).Mul(big.NewInt(100_000), big.NewInt(100_000_000))
	feed.SetPrice(testFeed, mantissa, -8, now)

	debtEngine := debt.NewEngine(debt.Params{LTVBps: 5_000})
	if err := ledger.SetMintAuthority("BMUSD", debtEngine.ModuleAddress()); err != nil {
		t.Fatalf("set mint authority: %v", err)
	}

	strat := strategy.NewEngine("BTC", "MUSD", 50)
	strat.SetClock(clock)
	harvester := harvest.NewEngine("BTC", "MUSD", 50)
	harvester.SetClock(clock)
	looper := turbo.NewEngine("BMUSD", "MUSD", 50)
	looper.SetClock(clock)

	return Wiring{
		Store:      store,
		Tokens:     ledger,
		Oracle:     adapter,
		Router:     venue,
		Vault:      vault.NewEngine(),
		Debt:       debtEngine,
		Strategy:   strat,
		Harvest:    harvester,
		Turbo:      looper,
		FeedID:     testFeed,
		DebtSymbol: "BMUSD",
	}, ledger, feed, now
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wiring, ledger, feed, now := buildWiring(t)
	owner := makeAddress(0xaa)
	p := New(owner)
	if err := p.Provision(wiring); err != nil {
		t.Fatalf("provision: %v", err)
	}

	treasury := makeAddress(0xfe)
	if err := ledger.Mint("MUSD", treasury, treasury, wei(500_000)); err != nil {
		t.Fatalf("fund treasury: %v", err)
	}
	if err := p.FundBuffer(treasury, wei(500_000)); err != nil {
		t.Fatalf("fund buffer: %v", err)
	}
	return &fixture{protocol: p, wiring: wiring, ledger: ledger, feed: feed, owner: owner, now: now}
}

func TestOperationsRequireProvisioning(t *testing.T) {
	p := New(makeAddress(0xaa))
	user := makeAddress(0x01)
	if err := p.Deposit(user, wei(1)); !errors.Is(err, ErrNotWired) {
		t.Fatalf("expected ErrNotWired, got %v", err)
	}
	if _, err := p.TotalDebt(); !errors.Is(err, ErrNotWired) {
		t.Fatalf("expected ErrNotWired, got %v", err)
	}
}

func TestProvisionIsOneShot(t *testing.T) {
	wiring, _, _, _ := buildWiring(t)
	p := New(makeAddress(0xaa))
	if err := p.Provision(wiring); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if err := p.Provision(wiring); !errors.Is(err, ErrAlreadyWired) {
		t.Fatalf("expected ErrAlreadyWired, got %v", err)
	}
	if !p.Status().Wired {
		t.Fatalf("status should report wired")
	}
}

func TestProvisionRejectsIncompleteWiring(t *testing.T) {
	wiring, _, _, _ := buildWiring(t)
	wiring.Debt = nil
	p := New(makeAddress(0xaa))
	if err := p.Provision(wiring); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRewireIsOwnerGated(t *testing.T) {
	f := newFixture(t)
	replacement, _, _, _ := buildWiring(t)
	if err := f.protocol.Rewire(makeAddress(0x01), replacement); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := f.protocol.Rewire(f.owner, replacement); err != nil {
		t.Fatalf("owner rewire: %v", err)
	}
}

func TestDepositBorrowWithdrawThroughFacade(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	if err := f.ledger.Mint("BTC", user, user, wei(1)); err != nil {
		t.Fatalf("fund user: %v", err)
	}

	if err := f.protocol.Deposit(user, wei(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	maxBorrow, _, available, err := f.protocol.BorrowingCapacity(user)
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if maxBorrow.Cmp(wei(50_000)) != 0 || available.Cmp(wei(50_000)) != 0 {
		t.Fatalf("unexpected capacity: max=%s available=%s", maxBorrow, available)
	}

	if err := f.protocol.Borrow(user, wei(30_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	debtBal, _ := f.ledger.BalanceOf("BMUSD", user)
	if debtBal.Cmp(wei(30_000)) != 0 {
		t.Fatalf("debt tokens not minted: %s", debtBal)
	}
	position, err := f.protocol.PositionOf(user)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.Collateral.Cmp(wei(1)) != 0 {
		t.Fatalf("unexpected position collateral: %s", position.Collateral)
	}

	// Full withdrawal is blocked while the debt is outstanding.
	if err := f.protocol.Withdraw(user, wei(1)); !errors.Is(err, vault.ErrWouldBreachCapacity) {
		t.Fatalf("expected ErrWouldBreachCapacity, got %v", err)
	}

	total, _ := f.protocol.TotalCollateral()
	if total.Cmp(wei(1)) != 0 {
		t.Fatalf("unexpected total collateral: %s", total)
	}
	totalDebt, _ := f.protocol.TotalDebt()
	if totalDebt.Cmp(wei(30_000)) != 0 {
		t.Fatalf("unexpected total debt: %s", totalDebt)
	}
}

func TestPauseBlocksModule(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	if err := f.ledger.Mint("BTC", user, user, wei(1)); err != nil {
		t.Fatalf("fund user: %v", err)
	}

	if err := f.protocol.Pause(user, "vault"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := f.protocol.Pause(f.owner, "vault"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.protocol.Deposit(user, wei(1)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	status := f.protocol.Status()
	if len(status.PausedModules) != 1 || status.PausedModules[0] != "vault" {
		t.Fatalf("unexpected paused list: %v", status.PausedModules)
	}
	if err := f.protocol.Resume(f.owner, "vault"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := f.protocol.Deposit(user, wei(1)); err != nil {
		t.Fatalf("deposit after resume: %v", err)
	}
}

func TestTurboLoopThroughFacade(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	if err := f.ledger.Mint("BTC", user, user, wei(1)); err != nil {
		t.Fatalf("fund user: %v", err)
	}
	if err := f.protocol.Deposit(user, wei(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.protocol.Borrow(user, wei(10_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := f.ledger.Mint("MUSD", user, user, wei(10_000)); err != nil {
		t.Fatalf("fund stable: %v", err)
	}

	if err := f.protocol.ApproveTurbo(user, wei(10_000), wei(10_000)); err != nil {
		t.Fatalf("approve legs: %v", err)
	}
	turboModule := f.wiring.Turbo.ModuleAddress()
	allowance, _ := f.ledger.Allowance("BMUSD", user, turboModule)
	if allowance.Cmp(wei(10_000)) != 0 {
		t.Fatalf("debt allowance not granted: %s", allowance)
	}
	allowance, _ = f.ledger.Allowance("MUSD", user, turboModule)
	if allowance.Cmp(wei(10_000)) != 0 {
		t.Fatalf("stable allowance not granted: %s", allowance)
	}

	shares, err := f.protocol.Loop(user, wei(10_000), wei(10_000))
	if err != nil {
		t.Fatalf("loop: %v", err)
	}
	held, _ := f.protocol.SecondaryShares(user)
	if held.Cmp(shares) != 0 {
		t.Fatalf("share record mismatch: %s vs %s", held, shares)
	}
	if _, _, err := f.protocol.Unloop(user, shares); err != nil {
		t.Fatalf("unloop: %v", err)
	}
	held, _ = f.protocol.SecondaryShares(user)
	if held.Sign() != 0 {
		t.Fatalf("shares not cleared: %s", held)
	}
}
