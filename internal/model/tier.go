package model

import (
	"fmt"
	"strings"
)

// Tier is a token permission level. Tiers are totally ordered:
// read_only < standard < admin.
type Tier string

const (
	TierReadOnly Tier = "read_only"
	TierStandard Tier = "standard"
	TierAdmin    Tier = "admin"
)

var tierRank = map[Tier]int{
	TierReadOnly: 1,
	TierStandard: 2,
	TierAdmin:    3,
}

// Tiers lists every tier from lowest to highest.
func Tiers() []Tier {
	return []Tier{TierReadOnly, TierStandard, TierAdmin}
}

// Rank returns the tier's position in the order. Unknown tiers rank 0 and
// therefore satisfy nothing.
func (t Tier) Rank() int {
	return tierRank[t]
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Satisfies reports whether a token holding tier t may call a tool that
// requires tier required.
func (t Tier) Satisfies(required Tier) bool {
	return t.Valid() && t.Rank() >= required.Rank()
}

// ParseTier parses a tier name, accepting "-" in place of "_" and any case.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q (expected read_only, standard, or admin)", s)
	}
	return t, nil
}
