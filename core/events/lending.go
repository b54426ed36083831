package events

import (
	"math/big"

	"stratum/crypto"
)

const (
	TypeCollateralDeposited = "vault.deposited"
	TypeCollateralWithdrawn = "vault.withdrawn"
	TypeDebtBorrowed        = "debt.borrowed"
	TypeDebtReduced         = "debt.reduced"
	TypeYieldHarvested      = "harvest.executed"
	TypeTurboLooped         = "turbo.looped"
	TypeTurboUnlooped       = "turbo.unlooped"
	TypeBufferFunded        = "strategy.buffer_funded"
	TypeProtocolPaused      = "protocol.paused"
	TypeProtocolResumed     = "protocol.resumed"
	TypeProtocolRewired     = "protocol.rewired"
)

// CollateralDeposited is emitted after collateral lands in the vault and is
// deployed to the primary pool.
type CollateralDeposited struct {
	User   crypto.Address
	Amount *big.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

// CollateralWithdrawn is emitted after collateral is pulled back from the
// strategy and released to the user.
type CollateralWithdrawn struct {
	User   crypto.Address
	Amount *big.Int
}

func (CollateralWithdrawn) EventType() string { return TypeCollateralWithdrawn }

// DebtBorrowed is emitted when new debt tokens are minted against collateral.
type DebtBorrowed struct {
	User      crypto.Address
	Amount    *big.Int
	MaxBorrow *big.Int
}

func (DebtBorrowed) EventType() string { return TypeDebtBorrowed }

// DebtReduced is emitted when harvested yield is applied across the debt pool.
type DebtReduced struct {
	Amount    *big.Int
	TotalDebt *big.Int
}

func (DebtReduced) EventType() string { return TypeDebtReduced }

// YieldHarvested is emitted for every harvest that realized a positive excess.
type YieldHarvested struct {
	CollateralLeg *big.Int
	StableLeg     *big.Int
	DebtValue     *big.Int
}

func (YieldHarvested) EventType() string { return TypeYieldHarvested }

// TurboLooped is emitted when a user pledges debt and stable tokens into the
// secondary pool.
type TurboLooped struct {
	User       crypto.Address
	DebtAmount *big.Int
	Stable     *big.Int
	Shares     *big.Int
}

func (TurboLooped) EventType() string { return TypeTurboLooped }

// TurboUnlooped is emitted when secondary pool shares are redeemed.
type TurboUnlooped struct {
	User   crypto.Address
	Shares *big.Int
}

func (TurboUnlooped) EventType() string { return TypeTurboUnlooped }

// BufferFunded is emitted when the stable pairing buffer is topped up.
type BufferFunded struct {
	From   crypto.Address
	Amount *big.Int
}

func (BufferFunded) EventType() string { return TypeBufferFunded }

// ProtocolPaused signals an administrative halt of a module.
type ProtocolPaused struct {
	Module string
}

func (ProtocolPaused) EventType() string { return TypeProtocolPaused }

// ProtocolResumed signals an administrative resume of a module.
type ProtocolResumed struct {
	Module string
}

func (ProtocolResumed) EventType() string { return TypeProtocolResumed }

// ProtocolRewired records a post-go-live wiring replacement. Rewiring after
// provisioning is a notable administrative event and must be owner-gated.
type ProtocolRewired struct {
	Owner crypto.Address
}

func (ProtocolRewired) EventType() string { return TypeProtocolRewired }
