package rate

import (
	"fmt"
	"math/big"
	"sort"
	"time"
)

// Attendance is the student count of one class.
type Attendance struct {
	Studio int `json:"studio_students"`
	Online int `json:"online_students"`
}

// Total is the count every threshold and tier is compared against.
func (a Attendance) Total() int {
	return max(a.Studio, 0) + max(a.Online, 0)
}

// Compute returns the payout for one class. It is pure: the same inputs
// always give the same amount. Intermediate amounts are exact rationals;
// rounding to the minor unit happens once, half-up, on the final sum.
//
// cfg must have passed Validate.
func Compute(a Attendance, cfg Config) Money {
	total := a.Total()
	amount := new(big.Rat)

	switch c := cfg.(type) {
	case Flat:
		amount.Set(c.BaseRate.rat())
		if d := flatDiscount(c, total); d.Sign() > 0 {
			amount.Sub(amount, d)
		}
		if c.BonusPerStudent > 0 && total > c.BonusThreshold {
			extra := new(big.Rat).Mul(c.BonusPerStudent.rat(), big.NewRat(int64(total-c.BonusThreshold), 1))
			amount.Add(amount, extra)
		}
	case PerStudent:
		amount.Mul(c.RatePerStudent.rat(), big.NewRat(int64(total), 1))
	case Tiered:
		amount.Set(tierFor(c.Tiers, total).Rate.rat())
	default:
		panic(fmt.Sprintf("rate: unknown config type %T", cfg))
	}

	amount.Add(amount, onlineBonus(cfg.onlineBonus(), a.Online))
	return roundRat(amount)
}

// flatDiscount is proportional to the shortfall below the minimum
// threshold, capped by MaxDiscount and never more than the base rate.
// A zero MaxDiscount disables the discount.
func flatDiscount(c Flat, total int) *big.Rat {
	d := new(big.Rat)
	if c.MinimumThreshold <= 0 || c.MaxDiscount <= 0 || total >= c.MinimumThreshold {
		return d
	}
	shortfall := big.NewRat(int64(c.MinimumThreshold-total), int64(c.MinimumThreshold))
	d.Mul(c.BaseRate.rat(), shortfall)
	if capAmt := c.MaxDiscount.rat(); d.Cmp(capAmt) > 0 {
		d.Set(capAmt)
	}
	if base := c.BaseRate.rat(); d.Cmp(base) > 0 {
		d.Set(base)
	}
	return d
}

// tierFor finds the band containing total. Counts past a bounded last
// band use the last band's rate.
func tierFor(tiers []Tier, total int) Tier {
	for _, t := range tiers {
		if total >= t.Min && (t.Max == nil || total < *t.Max) {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

func onlineBonus(b OnlineBonus, online int) *big.Rat {
	n := max(online, 0)
	if b.OnlineBonusCeiling != nil && n > *b.OnlineBonusCeiling {
		n = *b.OnlineBonusCeiling
	}
	return new(big.Rat).Mul(b.OnlineBonusPerStudent.rat(), big.NewRat(int64(n), 1))
}

// Version is a rate config effective from a point in time. Edits append a
// new version so past events keep the terms they were taught under.
type Version struct {
	ID              int64     `json:"id"`
	BillingEntityID string    `json:"billing_entity_id"`
	EffectiveFrom   time.Time `json:"effective_from"`
	Config          Config    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// ConfigAt picks the version in effect at t. The boolean is false when t
// precedes every version.
func ConfigAt(versions []Version, t time.Time) (Config, bool) {
	sorted := append([]Version(nil), versions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EffectiveFrom.Before(sorted[j].EffectiveFrom)
	})
	var picked Config
	found := false
	for _, v := range sorted {
		if v.EffectiveFrom.After(t) {
			break
		}
		picked = v.Config
		found = true
	}
	return picked, found
}
