package generic

// =============================================================================
// CAP VALIDATOR - Carry-over and total-balance ceilings
// =============================================================================

// CapInput is everything ApplyCaps needs. MaxTotal nil means no total ceiling.
type CapInput struct {
	TypeName       string
	RequestedBase  Amount
	RequestedCarry Amount
	CurrentUsed    Amount
	MaxCarry       Amount
	MaxTotal       *Amount
}

// CapResult is the capped allocation.
type CapResult struct {
	Base        Amount
	Carry       Amount
	Adjustments []string // which ceilings changed the requested values
}

// Total returns Base + Carry.
func (r CapResult) Total() Amount { return r.Base.Add(r.Carry) }

const (
	AdjustCarryClamped  = "carry_clamped"
	AdjustTotalCapped   = "total_capped"
	AdjustUsedProtected = "used_protected"
)

// ApplyCaps enforces policy ceilings on a requested allocation.
//
//	carry = clamp(requestedCarry, 0, maxCarry)
//	if base+carry > maxTotal: base = max(maxTotal-carry, 0)
//	if base+carry < used:     base = max(used-carry, 0)
//
// The last rule wins so that a policy edit never pushes an employee into a
// negative remaining balance. Pure and deterministic.
func ApplyCaps(in CapInput) CapResult {
	var res CapResult

	maxCarry := in.MaxCarry.Floor0()
	carry := in.RequestedCarry.Floor0().Min(maxCarry)
	if !carry.Equal(in.RequestedCarry) {
		res.Adjustments = append(res.Adjustments, AdjustCarryClamped)
	}

	base := in.RequestedBase.Floor0()
	if in.MaxTotal != nil && base.Add(carry).GreaterThan(*in.MaxTotal) {
		base = in.MaxTotal.Sub(carry).Floor0()
		res.Adjustments = append(res.Adjustments, AdjustTotalCapped)
	}

	if base.Add(carry).LessThan(in.CurrentUsed) {
		base = in.CurrentUsed.Sub(carry).Floor0()
		res.Adjustments = append(res.Adjustments, AdjustUsedProtected)
	}

	res.Base = base
	res.Carry = carry
	return res
}
