package protocol

import (
	"errors"
	"strings"

	"stratum/core/events"
	"stratum/core/state"
	"stratum/native/amm"
	"stratum/native/debt"
	"stratum/native/harvest"
	"stratum/native/oracle"
	"stratum/native/strategy"
	"stratum/native/token"
	"stratum/native/turbo"
	"stratum/native/vault"
)

// Wiring binds the concrete components into one value. The facade accepts a
// complete wiring exactly once during provisioning; partial wirings are
// rejected up front so a half-configured protocol can never serve traffic.
type Wiring struct {
	Store    *state.Store
	Tokens   *token.Ledger
	Oracle   *oracle.Adapter
	Router   amm.Router
	Vault    *vault.Engine
	Debt     *debt.Engine
	Strategy *strategy.Engine
	Harvest  *harvest.Engine
	Turbo    *turbo.Engine
	Emitter  events.Emitter

	// FeedID identifies the collateral price feed consumed by the debt
	// ledger. DebtSymbol is the token the debt engine mints.
	FeedID     string
	DebtSymbol string
}

// Validate reports the first missing binding.
func (w Wiring) Validate() error {
	switch {
	case w.Store == nil:
		return errors.New("protocol: wiring missing state store")
	case w.Tokens == nil:
		return errors.New("protocol: wiring missing token ledger")
	case w.Oracle == nil:
		return errors.New("protocol: wiring missing oracle adapter")
	case w.Router == nil:
		return errors.New("protocol: wiring missing router")
	case w.Vault == nil:
		return errors.New("protocol: wiring missing vault")
	case w.Debt == nil:
		return errors.New("protocol: wiring missing debt ledger")
	case w.Strategy == nil:
		return errors.New("protocol: wiring missing strategy")
	case w.Harvest == nil:
		return errors.New("protocol: wiring missing harvester")
	case w.Turbo == nil:
		return errors.New("protocol: wiring missing turbo loop")
	case strings.TrimSpace(w.FeedID) == "":
		return errors.New("protocol: wiring missing price feed id")
	case strings.TrimSpace(w.DebtSymbol) == "":
		return errors.New("protocol: wiring missing debt symbol")
	}
	return nil
}
