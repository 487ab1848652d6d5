package labelerbot

import (
	"sort"
	"strings"
)

// Tier is an achievement level, ordered None < Bronze < Silver < Gold < Hero.
type Tier int

const (
	TierNone Tier = iota
	TierBronze
	TierSilver
	TierGold
	TierHero
)

// String returns the external label value for the tier.
func (t Tier) String() string {
	switch t {
	case TierBronze:
		return "bronze"
	case TierSilver:
		return "silver"
	case TierGold:
		return "gold"
	case TierHero:
		return "hero"
	default:
		return "none"
	}
}

// Title is the display form used in achievement announcements.
func (t Tier) Title() string {
	name := t.String()
	return strings.ToUpper(name[:1]) + name[1:]
}

func ParseTier(value string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none", "":
		return TierNone, true
	case "bronze":
		return TierBronze, true
	case "silver":
		return TierSilver, true
	case "gold":
		return TierGold, true
	case "hero":
		return TierHero, true
	default:
		return TierNone, false
	}
}

type Threshold struct {
	Tier       Tier
	MinPercent float64
}

// ThresholdPolicy maps a valid-description percentage to a tier. Evaluated
// highest threshold first.
type ThresholdPolicy []Threshold

func DefaultThresholds() ThresholdPolicy {
	return ThresholdPolicy{
		{Tier: TierHero, MinPercent: 100},
		{Tier: TierGold, MinPercent: 95},
		{Tier: TierSilver, MinPercent: 85},
		{Tier: TierBronze, MinPercent: 70},
	}
}

// Normalized returns a copy sorted by descending MinPercent so TierFor can
// take the first match regardless of input order.
func (p ThresholdPolicy) Normalized() ThresholdPolicy {
	out := make(ThresholdPolicy, len(p))
	copy(out, p)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MinPercent > out[j].MinPercent
	})
	return out
}

func (p ThresholdPolicy) TierFor(percent float64) Tier {
	for _, threshold := range p {
		if percent >= threshold.MinPercent {
			return threshold.Tier
		}
	}
	return TierNone
}
