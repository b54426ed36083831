package debt

// Params groups the policy constants governing debt issuance. The LTV cap is
// fixed at deployment; there are no dynamic risk parameters in this design.
type Params struct {
	// LTVBps caps debt at collateralValue × LTVBps / 10000.
	LTVBps uint64
}

// Capacity is the borrowing headroom snapshot returned to callers.
type Capacity struct {
	// MaxBorrow is collateral value discounted by the LTV policy.
	MaxBorrow string
	// CurrentDebt is the position's materialized debt at the current index.
	CurrentDebt string
	// Available is MaxBorrow minus CurrentDebt, floored at zero.
	Available string
}
