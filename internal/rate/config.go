package rate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"studiosync/internal/syncerr"
)

// Kind is the tag of the rate config union.
type Kind string

const (
	KindFlat       Kind = "flat"
	KindPerStudent Kind = "per_student"
	KindTiered     Kind = "tiered"
)

// Config is the rate configuration sum type. The only implementations are
// Flat, PerStudent and Tiered; Compute switches over them exhaustively.
type Config interface {
	Kind() Kind
	Validate() error
	onlineBonus() OnlineBonus
}

// OnlineBonus may be carried by every config shape.
type OnlineBonus struct {
	OnlineBonusPerStudent Money `json:"online_bonus_per_student,omitempty"`
	// OnlineBonusCeiling caps how many online students earn the bonus.
	// Nil means no cap.
	OnlineBonusCeiling *int `json:"online_bonus_ceiling,omitempty"`
}

func (o OnlineBonus) onlineBonus() OnlineBonus { return o }

func (o OnlineBonus) validate() error {
	if o.OnlineBonusPerStudent < 0 {
		return invalid("online_bonus_per_student", "must not be negative")
	}
	if o.OnlineBonusCeiling != nil && *o.OnlineBonusCeiling < 0 {
		return invalid("online_bonus_ceiling", "must not be negative")
	}
	return nil
}

// Flat pays a base rate per class, discounted below a minimum attendance
// and increased per student above a bonus threshold.
type Flat struct {
	BaseRate         Money `json:"base_rate"`
	MinimumThreshold int   `json:"minimum_threshold,omitempty"`
	BonusThreshold   int   `json:"bonus_threshold,omitempty"`
	BonusPerStudent  Money `json:"bonus_per_student,omitempty"`
	MaxDiscount      Money `json:"max_discount,omitempty"`
	OnlineBonus
}

func (Flat) Kind() Kind { return KindFlat }

func (f Flat) Validate() error {
	switch {
	case f.BaseRate < 0:
		return invalid("base_rate", "must not be negative")
	case f.MinimumThreshold < 0:
		return invalid("minimum_threshold", "must not be negative")
	case f.BonusThreshold < 0:
		return invalid("bonus_threshold", "must not be negative")
	case f.BonusPerStudent < 0:
		return invalid("bonus_per_student", "must not be negative")
	case f.MaxDiscount < 0:
		return invalid("max_discount", "must not be negative")
	}
	return f.OnlineBonus.validate()
}

// PerStudent pays a fixed amount per attending student.
type PerStudent struct {
	RatePerStudent Money `json:"rate_per_student"`
	OnlineBonus
}

func (PerStudent) Kind() Kind { return KindPerStudent }

func (p PerStudent) Validate() error {
	if p.RatePerStudent < 0 {
		return invalid("rate_per_student", "must not be negative")
	}
	return p.OnlineBonus.validate()
}

// Tier is one attendance band [Min, Max). A nil Max is unbounded and is
// only allowed on the last band.
type Tier struct {
	Min  int   `json:"min"`
	Max  *int  `json:"max,omitempty"`
	Rate Money `json:"rate"`
}

// Tiered pays the flat rate of the band the attendance falls into.
type Tiered struct {
	Tiers []Tier `json:"tiers"`
	OnlineBonus
}

func (Tiered) Kind() Kind { return KindTiered }

// Validate requires bands sorted ascending from 0 with no gaps or overlaps.
func (t Tiered) Validate() error {
	if len(t.Tiers) == 0 {
		return invalid("tiers", "at least one tier is required")
	}
	if t.Tiers[0].Min != 0 {
		return invalid("tiers[0].min", "first tier must start at 0")
	}
	for i, tier := range t.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		if tier.Rate < 0 {
			return invalid(field+".rate", "must not be negative")
		}
		last := i == len(t.Tiers)-1
		if tier.Max == nil {
			if !last {
				return invalid(field+".max", "only the last tier may be unbounded")
			}
			continue
		}
		if *tier.Max <= tier.Min {
			return invalid(field+".max", "must be greater than min")
		}
		if !last && t.Tiers[i+1].Min != *tier.Max {
			return invalid(fmt.Sprintf("tiers[%d].min", i+1), fmt.Sprintf("must equal previous max %d", *tier.Max))
		}
	}
	return t.OnlineBonus.validate()
}

func invalid(field, reason string) error {
	return &syncerr.ConfigInvalidError{Field: field, Reason: reason}
}

// Decode reads a tagged rate config document ({"type": "flat", ...}) and
// validates it. Every failure is a *syncerr.ConfigInvalidError.
func Decode(data []byte) (Config, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &syncerr.ConfigInvalidError{Reason: err.Error()}
	}

	var cfg Config
	var err error
	switch head.Type {
	case KindFlat:
		var v struct {
			Type Kind `json:"type"`
			Flat
		}
		err = decodeStrict(data, &v)
		cfg = v.Flat
	case KindPerStudent:
		var v struct {
			Type Kind `json:"type"`
			PerStudent
		}
		err = decodeStrict(data, &v)
		cfg = v.PerStudent
	case KindTiered:
		var v struct {
			Type Kind `json:"type"`
			Tiered
		}
		err = decodeStrict(data, &v)
		cfg = v.Tiered
	case "":
		return nil, invalid("type", "missing")
	default:
		return nil, invalid("type", fmt.Sprintf("unknown rate config type %q", head.Type))
	}
	if err != nil {
		return nil, &syncerr.ConfigInvalidError{Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Encode writes cfg as a tagged document.
func Encode(cfg Config) ([]byte, error) {
	switch v := cfg.(type) {
	case Flat:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Flat
		}{KindFlat, v})
	case PerStudent:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			PerStudent
		}{KindPerStudent, v})
	case Tiered:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Tiered
		}{KindTiered, v})
	default:
		return nil, fmt.Errorf("encode rate config: unsupported type %T", cfg)
	}
}
