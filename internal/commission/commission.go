// Package commission derives an affiliate's payout rate from lifetime
// earnings. Pure computation: no storage, no clock, no I/O. The ledger
// engine calls ComputeTier before crediting a commission so the applied
// rate is captured on the ledger entry at transaction time and never
// recomputed against a later tier table.
package commission

import "github.com/shopspring/decimal"

type Tier struct {
	Name        string
	MinEarnings int64
	Rate        decimal.Decimal
}

// Tiers is ordered by ascending MinEarnings. ComputeTier picks the highest
// tier whose threshold the earnings have reached, so rates are monotonic
// in lifetime earnings as long as the table keeps ascending rates.
var Tiers = []Tier{
	{Name: "bronze", MinEarnings: 0, Rate: decimal.NewFromFloat(0.05)},
	{Name: "silver", MinEarnings: 5_000_000, Rate: decimal.NewFromFloat(0.07)},
	{Name: "gold", MinEarnings: 20_000_000, Rate: decimal.NewFromFloat(0.10)},
	{Name: "diamond", MinEarnings: 50_000_000, Rate: decimal.NewFromFloat(0.12)},
}

func ComputeTier(lifetimeEarnings int64) Tier {
	current := Tiers[0]
	for _, tier := range Tiers {
		if lifetimeEarnings >= tier.MinEarnings {
			current = tier
		}
	}
	return current
}

// Amount applies a rate to a base amount, bankers-rounded to whole units.
func Amount(base int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(base).Mul(rate).RoundBank(0).IntPart()
}
