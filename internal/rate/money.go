package rate

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Money is an amount in the currency's minor unit (cents).
type Money int64

// Euros builds a Money from whole major units.
func Euros(n int64) Money { return Money(n * 100) }

// String renders the amount with exactly two decimals, e.g. "115.00".
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// ParseMoney reads a decimal amount with at most two fraction digits.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty amount")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" || !digitsOnly(whole) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if hasFrac {
		if frac == "" || len(frac) > 2 || !digitsOnly(frac) {
			return 0, fmt.Errorf("invalid amount %q: at most two decimals", s)
		}
		for len(frac) < 2 {
			frac += "0"
		}
	} else {
		frac = "00"
	}
	units, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if neg {
		units = -units
	}
	return Money(units), nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MarshalJSON writes the amount as a JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*m = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// rat converts to an exact rational in minor units.
func (m Money) rat() *big.Rat {
	return new(big.Rat).SetInt64(int64(m))
}

// roundRat rounds a non-negative rational amount of minor units half-up.
func roundRat(r *big.Rat) Money {
	if r.Sign() <= 0 {
		return 0
	}
	num := new(big.Int).Mul(r.Num(), big.NewInt(2))
	num.Add(num, r.Denom())
	den := new(big.Int).Mul(r.Denom(), big.NewInt(2))
	return Money(new(big.Int).Quo(num, den).Int64())
}
