/*
policy.go - Typed quota policies and policy updates

PURPOSE:
  A PolicyConfig maps leave types to the allocation they grant for one year:
  base days, the carry-over ceiling and an optional total ceiling. Configs
  are validated at the boundary against the known leave types, so unknown
  or quota-exempt types never reach the ledger.

APPLYING A POLICY:
  Each affected quota record is recomputed with generic.ApplyCaps:

    carry = clamp(existing carry, 0, maxCarry)
    base  = requested base, lowered to respect maxTotal,
            raised so that base + carry never drops below used

  The last rule means a policy change never creates a negative balance.

SEE ALSO:
  - generic/caps.go: ApplyCaps
  - carryover.go: Uses the same config for the year-end batch
*/
package leave

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/outbox"
)

// TypePolicy is the allocation policy of one leave type for one year.
type TypePolicy struct {
	BaseDays         generic.Amount
	MaxCarryOverDays generic.Amount
	MaxTotalDays     *generic.Amount // nil = no total ceiling
}

func (p TypePolicy) validate(id TypeID) error {
	field := "policy." + string(id)
	switch {
	case p.BaseDays.IsNegative():
		return &generic.ValidationError{Field: field + ".base_days", Reason: "cannot be negative"}
	case p.MaxCarryOverDays.IsNegative():
		return &generic.ValidationError{Field: field + ".max_carry_over_days", Reason: "cannot be negative"}
	case p.MaxTotalDays != nil && p.MaxTotalDays.IsNegative():
		return &generic.ValidationError{Field: field + ".max_total_days", Reason: "cannot be negative"}
	}
	return nil
}

// PolicyConfig maps leave types to their policy.
type PolicyConfig map[TypeID]TypePolicy

// Validate checks every entry against known. Unknown and quota-exempt types
// are rejected.
func (c PolicyConfig) Validate(known []LeaveType) error {
	byID := make(map[TypeID]LeaveType, len(known))
	for _, lt := range known {
		byID[lt.ID] = lt
	}
	for _, id := range c.typeIDs() {
		lt, ok := byID[id]
		if !ok {
			return &generic.ValidationError{Field: "policy." + string(id), Reason: "unknown leave type"}
		}
		if lt.QuotaExempt {
			return &generic.ValidationError{Field: "policy." + string(id), Reason: "quota-exempt types have no quota policy"}
		}
		if err := c[id].validate(id); err != nil {
			return err
		}
	}
	return nil
}

// For returns the policy for lt, falling back to the type's defaults.
func (c PolicyConfig) For(lt LeaveType) TypePolicy {
	if p, ok := c[lt.ID]; ok {
		return p
	}
	return TypePolicy{BaseDays: lt.DefaultBaseDays, MaxCarryOverDays: lt.MaxCarryOverDays}
}

func (c PolicyConfig) typeIDs() []TypeID {
	ids := make([]TypeID, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// POLICY UPDATE
// =============================================================================

type PolicyScope string

const (
	ScopeAll      PolicyScope = "all"
	ScopeEmployee PolicyScope = "employee"
)

// PolicyUpdate applies Policies to the quota records of Year, either for one
// employee or for everyone who has a record.
type PolicyUpdate struct {
	Scope      PolicyScope
	EmployeeID EmployeeID
	Year       int
	Policies   PolicyConfig
}

type PolicyUpdateResult struct {
	Updated     int
	Adjustments map[string][]string // quota key -> caps that changed the request
}

func (u PolicyUpdate) validate() error {
	switch u.Scope {
	case ScopeAll:
	case ScopeEmployee:
		if u.EmployeeID == "" {
			return &generic.ValidationError{Field: "employee_id", Reason: "is required for employee scope"}
		}
	default:
		return &generic.ValidationError{Field: "scope", Reason: fmt.Sprintf("must be %q or %q", ScopeAll, ScopeEmployee)}
	}
	if u.Year <= 0 {
		return &generic.ValidationError{Field: "year", Reason: "is required"}
	}
	if len(u.Policies) == 0 {
		return &generic.ValidationError{Field: "policy", Reason: "at least one leave type is required"}
	}
	return nil
}

// UpdatePolicy recomputes base and carry-over of the affected records.
func (s *Service) UpdatePolicy(ctx context.Context, caller Caller, u PolicyUpdate) (*PolicyUpdateResult, error) {
	const op = "update_policy"

	if err := requireApprover(caller); err != nil {
		s.observe(op, err)
		return nil, err
	}
	if err := u.validate(); err != nil {
		s.observe(op, err)
		return nil, err
	}

	var res PolicyUpdateResult
	err := s.inTx(ctx, caller, op, func(tc *TxContext) error {
		res = PolicyUpdateResult{Adjustments: make(map[string][]string)}

		types, err := tc.Tx.ListLeaveTypes(tc.Ctx)
		if err != nil {
			return err
		}
		if err := u.Policies.Validate(types); err != nil {
			return err
		}
		names := make(map[TypeID]string, len(types))
		for _, lt := range types {
			names[lt.ID] = lt.Name
		}

		keys, err := s.policyTargets(tc, u)
		if err != nil {
			return err
		}

		notified := make(map[EmployeeID]bool)
		for _, key := range keys {
			pol := u.Policies[key.TypeID]

			q, err := tc.Ledger.Get(key)
			if err != nil {
				return err
			}
			carry, used := generic.ZeroDays(), generic.ZeroDays()
			if q != nil {
				carry, used = q.CarryOver, q.Used
			}

			capped := generic.ApplyCaps(generic.CapInput{
				TypeName:       names[key.TypeID],
				RequestedBase:  pol.BaseDays,
				RequestedCarry: carry,
				CurrentUsed:    used,
				MaxCarry:       pol.MaxCarryOverDays,
				MaxTotal:       pol.MaxTotalDays,
			})
			if _, err := tc.Ledger.Upsert(key, capped.Base, capped.Carry); err != nil {
				return err
			}
			res.Updated++
			if len(capped.Adjustments) > 0 {
				res.Adjustments[keyString(key)] = capped.Adjustments
			}

			if !notified[key.EmployeeID] {
				notified[key.EmployeeID] = true
				if err := tc.Notify(outbox.Notification{
					Kind:        "policy_changed",
					RecipientID: string(key.EmployeeID),
					Message:     fmt.Sprintf("Your leave allocation for %d was updated", u.Year),
				}); err != nil {
					return err
				}
			}
		}

		policies := make(map[string]any, len(u.Policies))
		for _, id := range u.Policies.typeIDs() {
			p := u.Policies[id]
			entry := map[string]any{"base_days": p.BaseDays.String(), "max_carry_over_days": p.MaxCarryOverDays.String()}
			if p.MaxTotalDays != nil {
				entry["max_total_days"] = p.MaxTotalDays.String()
			}
			policies[string(id)] = entry
		}
		return tc.Audit(generic.AuditEntry{
			Action:     generic.AuditPolicyChanged,
			EntityName: "policy",
			EntityID:   fmt.Sprintf("%s/%d", u.Scope, u.Year),
			Details: map[string]any{
				"scope":       string(u.Scope),
				"employee_id": string(u.EmployeeID),
				"year":        u.Year,
				"policies":    policies,
				"updated":     res.Updated,
				"adjustments": res.Adjustments,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// policyTargets returns the quota keys an update touches. Employee scope
// creates records that do not exist yet; "all" scope only updates existing
// records.
func (s *Service) policyTargets(tc *TxContext, u PolicyUpdate) ([]QuotaKey, error) {
	var keys []QuotaKey
	if u.Scope == ScopeEmployee {
		for _, id := range u.Policies.typeIDs() {
			keys = append(keys, QuotaKey{EmployeeID: u.EmployeeID, TypeID: id, Year: u.Year})
		}
		return keys, nil
	}

	records, err := tc.Tx.ListQuotasByYear(tc.Ctx, u.Year)
	if err != nil {
		return nil, err
	}
	for _, q := range records {
		if _, ok := u.Policies[q.Key.TypeID]; ok {
			keys = append(keys, q.Key)
		}
	}
	return keys, nil
}
