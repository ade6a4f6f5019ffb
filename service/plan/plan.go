package plan

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Type identifies a subscription tier as the ledger names it.
type Type string

const (
	FreeTrial   Type = "free_trial"
	ThreeMonths Type = "three_months"
	Yearly      Type = "yearly"
)

// LamportsPerSOL is the fixed scale between SOL and its smallest unit.
const LamportsPerSOL = 1_000_000_000

// ErrInvalidPlan is returned for any plan outside the recognized tiers.
var ErrInvalidPlan = errors.New("invalid plan")

// prices is denominated in SOL. Amounts are exact decimals; never floats.
var prices = map[Type]decimal.Decimal{
	FreeTrial:   decimal.Zero,
	ThreeMonths: decimal.RequireFromString("0.01"),
	Yearly:      decimal.RequireFromString("0.05"),
}

// Selection is a plan together with its price in lamports.
// It is immutable once a payment attempt starts.
type Selection struct {
	Type          Type   `json:"plan_type"`
	PriceLamports uint64 `json:"price_lamports"`
}

// IsFree reports whether the selection bypasses the on-chain payment.
func (s Selection) IsFree() bool {
	return s.PriceLamports == 0
}

// PriceSOL returns the price formatted in SOL.
func (s Selection) PriceSOL() string {
	return LamportsToSOL(s.PriceLamports)
}

// All returns the recognized plans in display order.
func All() []Type {
	return []Type{FreeTrial, ThreeMonths, Yearly}
}

// Parse validates a plan name.
func Parse(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, s)
	}
	return t, nil
}

// Valid reports whether t is one of the recognized plans.
func (t Type) Valid() bool {
	_, ok := prices[t]
	return ok
}

func (t Type) String() string {
	return string(t)
}

// PriceSOL returns the plan price in SOL.
func PriceSOL(t Type) (decimal.Decimal, error) {
	price, ok := prices[t]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPlan, string(t))
	}
	return price, nil
}

// PriceLamports converts the plan price to lamports.
func PriceLamports(t Type) (uint64, error) {
	price, err := PriceSOL(t)
	if err != nil {
		return 0, err
	}
	return uint64(price.Shift(9).IntPart()), nil
}

// Select derives a Selection from the static price table.
func Select(t Type) (Selection, error) {
	lamports, err := PriceLamports(t)
	if err != nil {
		return Selection{}, err
	}
	return Selection{Type: t, PriceLamports: lamports}, nil
}

// LamportsToSOL formats a lamport amount as a SOL string without float rounding.
func LamportsToSOL(lamports uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -9).String()
}
