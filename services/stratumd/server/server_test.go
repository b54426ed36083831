package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stratum/core/protocol"
	"stratum/core/state"
	"stratum/crypto"
	"stratum/native/amm"
	"stratum/native/debt"
	"stratum/native/harvest"
	"stratum/native/oracle"
	"stratum/native/strategy"
	"stratum/native/token"
	"stratum/native/turbo"
	"stratum/native/vault"
	"stratum/observability/metrics"
	"stratum/storage"
)

const (
	testFeed   = "btc-usd"
	testSecret = "test-admin-secret"
)

func wei(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000_000_000_000_000))
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

type fixture struct {
	server *httptest.Server
	ledger *token.Ledger
	owner  crypto.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	store := state.NewStore(db)
	ledger := token.NewLedger(db)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	venue := amm.NewEngine(ledger, 30)
	venue.SetClock(clock)
	require.NoError(t, venue.CreatePool("BTC", "MUSD"))
	require.NoError(t, venue.CreatePool("BMUSD", "MUSD"))
	whale := makeAddress(0xff)
	require.NoError(t, ledger.Mint("BTC", whale, whale, wei(100)))
	require.NoError(t, ledger.Mint("MUSD", whale, whale, wei(10_000_000)))
	_, _, _, err := venue.AddLiquidity(whale, "BTC", "MUSD", wei(100), wei(10_000_000), nil, nil, whale, time.Time{})
	require.NoError(t, err)

	feed := oracle.NewManualFeed()
	adapter := oracle.NewAdapter(feed, time.Minute)
	adapter.SetClock(clock)
	mantissa := new(big.Int).Mul(big.NewInt(100_000), big.NewInt(100_000_000))
	feed.SetPrice(testFeed, mantissa, -8, now)

	debtEngine := debt.NewEngine(debt.Params{LTVBps: 5_000})
	require.NoError(t, ledger.SetMintAuthority("BMUSD", debtEngine.ModuleAddress()))

	strat := strategy.NewEngine("BTC", "MUSD", 50)
	strat.SetClock(clock)
	harvester := harvest.NewEngine("BTC", "MUSD", 50)
	harvester.SetClock(clock)
	looper := turbo.NewEngine("BMUSD", "MUSD", 50)
	looper.SetClock(clock)

	collector := metrics.NewCollector()
	owner := makeAddress(0xaa)
	core := protocol.New(owner)
	require.NoError(t, core.Provision(protocol.Wiring{
		Store:      store,
		Tokens:     ledger,
		Oracle:     adapter,
		Router:     venue,
		Vault:      vault.NewEngine(),
		Debt:       debtEngine,
		Strategy:   strat,
		Harvest:    harvester,
		Turbo:      looper,
		Emitter:    collector,
		FeedID:     testFeed,
		DebtSymbol: "BMUSD",
	}))

	treasury := makeAddress(0xfe)
	require.NoError(t, ledger.Mint("MUSD", treasury, treasury, wei(500_000)))
	require.NoError(t, core.FundBuffer(treasury, wei(500_000)))

	srv := New(core, nil, collector.Handler(), testSecret)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, ledger: ledger, owner: owner}
}

func (f *fixture) post(t *testing.T, path string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.server.Client().Get(f.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestDepositBorrowFlow(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	require.NoError(t, f.ledger.Mint("BTC", user, user, wei(1)))

	resp := f.post(t, "/v1/vault/deposit", amountRequest{Address: user.String(), Amount: wei(1).String()}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/v1/capacity/"+user.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	capacity := decodeBody(t, resp)
	require.Equal(t, wei(50_000).String(), capacity["MaxBorrow"])
	require.Equal(t, wei(50_000).String(), capacity["Available"])

	resp = f.post(t, "/v1/debt/borrow", amountRequest{Address: user.String(), Amount: wei(30_000).String()}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	balance, err := f.ledger.BalanceOf("BMUSD", user)
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(wei(30_000)))

	resp = f.get(t, "/v1/positions/"+user.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	position := decodeBody(t, resp)
	require.Equal(t, wei(1).String(), position["collateral"])
	require.Equal(t, wei(30_000).String(), position["debt"])
}

func TestBorrowBeyondCapacityIsRejected(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	require.NoError(t, f.ledger.Mint("BTC", user, user, wei(1)))
	resp := f.post(t, "/v1/vault/deposit", amountRequest{Address: user.String(), Amount: wei(1).String()}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/v1/debt/borrow", amountRequest{Address: user.String(), Amount: wei(60_000).String()}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Contains(t, body["error"], "capacity")
}

func TestBadAmountIsBadRequest(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	resp := f.post(t, "/v1/vault/deposit", amountRequest{Address: user.String(), Amount: "not-a-number"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	f := newFixture(t)
	req := moduleRequest{Caller: f.owner.String(), Module: "vault"}

	resp := f.post(t, "/v1/admin/pause", req, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	tok, err := MintAdminToken(testSecret, time.Minute)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + tok}

	resp = f.post(t, "/v1/admin/pause", req, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The paused module now rejects traffic.
	user := makeAddress(0x01)
	require.NoError(t, f.ledger.Mint("BTC", user, user, wei(1)))
	resp = f.post(t, "/v1/vault/deposit", amountRequest{Address: user.String(), Amount: wei(1).String()}, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/v1/admin/resume", req, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/v1/vault/deposit", amountRequest{Address: user.String(), Amount: wei(1).String()}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestTurboLoopOverHTTP(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	require.NoError(t, f.ledger.Mint("BTC", user, user, wei(1)))

	resp := f.post(t, "/v1/vault/deposit", amountRequest{Address: user.String(), Amount: wei(1).String()}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = f.post(t, "/v1/debt/borrow", amountRequest{Address: user.String(), Amount: wei(10_000).String()}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.NoError(t, f.ledger.Mint("MUSD", user, user, wei(10_000)))

	legs := loopRequest{
		Address:      user.String(),
		DebtAmount:   wei(10_000).String(),
		StableAmount: wei(10_000).String(),
	}
	resp = f.post(t, "/v1/turbo/approve", legs, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "approved", decodeBody(t, resp)["status"])

	resp = f.post(t, "/v1/turbo/loop", legs, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	shares := decodeBody(t, resp)["shares"]
	require.NotEqual(t, "0", shares)

	resp = f.get(t, "/v1/turbo/shares/"+user.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, shares, decodeBody(t, resp)["shares"])
}

func TestTurboLoopWithoutApprovalIsRejected(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	require.NoError(t, f.ledger.Mint("BTC", user, user, wei(1)))

	resp := f.post(t, "/v1/vault/deposit", amountRequest{Address: user.String(), Amount: wei(1).String()}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = f.post(t, "/v1/debt/borrow", amountRequest{Address: user.String(), Amount: wei(10_000).String()}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.NoError(t, f.ledger.Mint("MUSD", user, user, wei(10_000)))

	resp = f.post(t, "/v1/turbo/loop", loopRequest{
		Address:      user.String(),
		DebtAmount:   wei(10_000).String(),
		StableAmount: wei(10_000).String(),
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Contains(t, decodeBody(t, resp)["error"], "allowance")
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t)
	user := makeAddress(0x01)
	require.NoError(t, f.ledger.Mint("BTC", user, user, wei(1)))
	resp := f.post(t, "/v1/vault/deposit", amountRequest{Address: user.String(), Amount: wei(1).String()}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "stratum_operations_total")
}

func TestStatusAndTotals(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/v1/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	var status struct {
		Wired bool `json:"wired"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.True(t, status.Wired)

	resp = f.get(t, "/v1/totals")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	totals := decodeBody(t, resp)
	require.Equal(t, "0", totals["totalDebt"])
	require.Equal(t, fmt.Sprint(wei(500_000)), totals["stableBuffer"])
}
