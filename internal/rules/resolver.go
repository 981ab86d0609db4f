/**
 * @description
 * This package implements the confidence/rule resolver for the credits-service.
 * It maps an earn rule code to a base point value and scales it by a
 * confidence-tier multiplier. The table is configuration, not ledger logic:
 * operators can override the built-in rule set with a TOML file without
 * touching code.
 *
 * @dependencies
 * - github.com/BurntSushi/toml: Decodes the optional rule table file.
 */

package rules

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ecoquest/credits-service/internal/domain"
)

// ErrUnknownRule is returned when the rule code has no resolver entry.
var ErrUnknownRule = errors.New("unknown earn rule")

// Resolver is a deterministic lookup table from rule code + confidence tier
// to a point amount. It is immutable after construction, so concurrent use
// from request handlers needs no locking.
type Resolver struct {
	basePoints  map[string]int64
	multipliers map[domain.ConfidenceTier]float64
}

// ruleTable is the TOML shape of an override file:
//
//	[multipliers]
//	high = 1.0
//	medium = 0.6
//	low = 0.3
//
//	[rules]
//	cycle_commute = 10
type ruleTable struct {
	Multipliers map[string]float64 `toml:"multipliers"`
	Rules       map[string]int64   `toml:"rules"`
}

// defaultBasePoints covers the eco-quest catalog the mobile client ships with.
func defaultBasePoints() map[string]int64 {
	return map[string]int64{
		"cycle_commute":    10,
		"community-garden": 35,
		"plastic-audit":    40,
		"walk-meetings":    20,
		"lights-out":       15,
		"refill-station":   25,
		"train-swap":       30,
		"energy-audit":     45,
	}
}

func defaultMultipliers() map[domain.ConfidenceTier]float64 {
	return map[domain.ConfidenceTier]float64{
		domain.ConfidenceHigh:   1.0,
		domain.ConfidenceMedium: 0.6,
		domain.ConfidenceLow:    0.3,
	}
}

// NewResolver returns a resolver seeded with the built-in rule set.
func NewResolver() *Resolver {
	return &Resolver{
		basePoints:  defaultBasePoints(),
		multipliers: defaultMultipliers(),
	}
}

// NewResolverFromFile loads a TOML rule table and merges it over the built-in
// defaults. Codes present in the file replace defaults; codes absent from the
// file keep their default base points.
func NewResolverFromFile(path string) (*Resolver, error) {
	var table ruleTable
	if _, err := toml.DecodeFile(path, &table); err != nil {
		return nil, fmt.Errorf("failed to decode rule table %s: %w", path, err)
	}

	r := NewResolver()
	for code, points := range table.Rules {
		code = strings.TrimSpace(code)
		if code == "" || points <= 0 {
			return nil, fmt.Errorf("rule table %s: rule %q must have positive base points", path, code)
		}
		r.basePoints[code] = points
	}
	for tier, factor := range table.Multipliers {
		normalized := domain.ConfidenceTier(strings.ToLower(strings.TrimSpace(tier)))
		switch normalized {
		case domain.ConfidenceLow, domain.ConfidenceMedium, domain.ConfidenceHigh:
		default:
			return nil, fmt.Errorf("rule table %s: unknown confidence tier %q", path, tier)
		}
		if factor <= 0 || factor > 1 {
			return nil, fmt.Errorf("rule table %s: tier %q multiplier must be in (0, 1]", path, tier)
		}
		r.multipliers[normalized] = factor
	}
	return r, nil
}

// Resolve returns the point amount an earn event yields for the rule code at
// the given confidence tier. An unrecognized tier falls back to medium, which
// matches the client's default when it omits the tier. Results round half up
// and never drop below one credit for a registered rule.
func (r *Resolver) Resolve(ruleCode string, tier domain.ConfidenceTier) (int64, error) {
	base, ok := r.basePoints[strings.TrimSpace(ruleCode)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRule, ruleCode)
	}

	factor, ok := r.multipliers[tier]
	if !ok {
		factor = r.multipliers[domain.ConfidenceMedium]
	}

	points := int64(math.Round(float64(base) * factor))
	if points < 1 {
		points = 1
	}
	return points, nil
}

// Known reports whether a rule code is registered.
func (r *Resolver) Known(ruleCode string) bool {
	_, ok := r.basePoints[strings.TrimSpace(ruleCode)]
	return ok
}

// Codes returns the registered rule codes in sorted order, for diagnostics.
func (r *Resolver) Codes() []string {
	codes := make([]string, 0, len(r.basePoints))
	for code := range r.basePoints {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
