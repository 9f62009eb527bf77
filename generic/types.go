/*
Package generic provides the domain-agnostic primitives of the leave engine.

PURPOSE:
  This package contains the building blocks that know nothing about leave
  requests or approvals: day quantities, calendar dates, inclusive periods,
  holiday sets, the working-day calculator, the cap validator, the error
  taxonomy and the audit entry shape. The leave package composes them into
  the request workflow and the quota ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity of days in half-day steps (e.g., 1.5 days)
  - EntityID: Type-safe identifier of the party owning a balance

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Type Safety: Strong typing for IDs prevents mixing identifiers
  3. Purity: Nothing in this package performs I/O

USAGE:
  remaining := base.Add(carry).Sub(used)
  if remaining.LessThan(requested) {
      return &generic.InsufficientBalanceError{...}
  }

SEE ALSO:
  - daycount.go: Chargeable day calculation
  - caps.go: Carry-over and total ceilings
  - errors.go: Error taxonomy
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit (always days for this system)
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitDays Unit = "days"
)

var half = decimal.NewFromFloat(0.5)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

// Days is shorthand for NewAmount(value, UnitDays).
func Days(value float64) Amount {
	return NewAmount(value, UnitDays)
}

// ZeroDays returns an empty day quantity.
func ZeroDays() Amount {
	return Amount{Value: decimal.Zero, Unit: UnitDays}
}

// ParseDays parses a decimal string such as "2.5".
func ParseDays(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse days %q: %w", s, err)
	}
	return Amount{Value: d, Unit: UnitDays}, nil
}

func (a Amount) Zero() Amount                       { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount                { return Amount{Value: a.Value.Add(b.Value), Unit: a.unit()} }
func (a Amount) Sub(b Amount) Amount                { return Amount{Value: a.Value.Sub(b.Value), Unit: a.unit()} }
func (a Amount) Neg() Amount                        { return Amount{Value: a.Value.Neg(), Unit: a.unit()} }
func (a Amount) IsNegative() bool                   { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                       { return a.Value.IsZero() }
func (a Amount) IsPositive() bool                   { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool                { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool          { return a.Value.GreaterThan(b.Value) }
func (a Amount) GreaterThanOrEqual(b Amount) bool   { return a.Value.GreaterThanOrEqual(b.Value) }
func (a Amount) LessThan(b Amount) bool             { return a.Value.LessThan(b.Value) }
func (a Amount) String() string                     { return a.Value.String() }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Floor0 clamps negative quantities to zero.
func (a Amount) Floor0() Amount {
	if a.IsNegative() {
		return a.Zero()
	}
	return a
}

// IsHalfStep reports whether the quantity is a multiple of 0.5.
func (a Amount) IsHalfStep() bool {
	return a.Value.Mod(half).IsZero()
}

func (a Amount) unit() Unit {
	if a.Unit == "" {
		return UnitDays
	}
	return a.Unit
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// EntityID identifies the owner of a balance (an employee).
type EntityID string
