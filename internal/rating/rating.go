// Package rating prices aggregated usage against a merged grant
// snapshot. It is pure arithmetic: the evaluator uses it for live cost
// estimates and the invoice finalizer for line amounts.
package rating

import (
	"errors"
	"fmt"
	"math"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/meterbill/internal/grant/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
)

var (
	ErrNoGrants           = errors.New("rating: snapshot has no grants")
	ErrNoTiers            = errors.New("rating: tier config has no tiers")
	ErrInvalidPackageSize = errors.New("rating: package size must be positive")
)

// Line is one priced slice of consumption. Metered features emit one
// line per grant consumed, plus an overage line priced on the last
// grant's formula.
type Line struct {
	GrantID         snowflake.ID
	Quantity        float64
	UnitAmountCents *int64
	AmountCents     int64
	IsOverage       bool
}

type Result struct {
	Lines      []Line
	TotalCents int64
}

// RoundMoney rounds a fractional cent amount half-up to an integer.
// All internal arithmetic stays in float64; amounts are rounded once,
// here, before persistence.
func RoundMoney(raw float64) int64 {
	return int64(math.Floor(raw + 0.5))
}

// Price computes the cost of quantity under the snapshot's formula.
// flat and package use the replace winner; tier and usage consume the
// grants in descending priority.
func Price(s *grantdomain.Snapshot, quantity float64) (Result, error) {
	if len(s.Grants) == 0 {
		return Result{}, ErrNoGrants
	}

	switch s.FeatureType {
	case plandomain.FeatureTypeFlat:
		return priceFlat(s.Grants[0]), nil
	case plandomain.FeatureTypePackage:
		return pricePackage(s.Grants[0], quantity)
	case plandomain.FeatureTypeTier, plandomain.FeatureTypeUsage:
		return priceWaterfall(s, quantity)
	default:
		return Result{}, fmt.Errorf("rating: unsupported feature type %q", s.FeatureType)
	}
}

func priceFlat(winner grantdomain.SnapshotGrant) Result {
	amount := winner.Config.FlatAmountCents
	unit := amount
	return Result{
		Lines: []Line{{
			GrantID:         winner.GrantID,
			Quantity:        1,
			UnitAmountCents: &unit,
			AmountCents:     amount,
		}},
		TotalCents: amount,
	}
}

func pricePackage(winner grantdomain.SnapshotGrant, quantity float64) (Result, error) {
	size := winner.Config.PackageSize
	if size <= 0 {
		return Result{}, ErrInvalidPackageSize
	}
	packages := math.Ceil(quantity / float64(size))
	unit := winner.Config.PackageAmountCents
	amount := RoundMoney(packages * float64(unit))
	return Result{
		Lines: []Line{{
			GrantID:         winner.GrantID,
			Quantity:        packages,
			UnitAmountCents: &unit,
			AmountCents:     amount,
		}},
		TotalCents: amount,
	}, nil
}

// priceWaterfall walks the grants in snapshot order (descending
// priority), filling each grant up to its limit. Whatever is left after
// the last grant is priced on that grant's formula and tagged overage.
// The cumulative position carries across grants so graduated tiers
// price each slice as the difference of the cumulative cost function.
func priceWaterfall(s *grantdomain.Snapshot, quantity float64) (Result, error) {
	var (
		out      Result
		consumed float64
		left     = quantity
	)

	for _, g := range s.Grants {
		if left <= 0 {
			break
		}
		take := left
		if g.Limit != nil && take > float64(*g.Limit) {
			take = float64(*g.Limit)
		}
		if take <= 0 {
			continue
		}
		line, err := priceSlice(s.FeatureType, g, consumed, take, false)
		if err != nil {
			return Result{}, err
		}
		out.Lines = append(out.Lines, line)
		out.TotalCents += line.AmountCents
		consumed += take
		left -= take
	}

	if left > 0 {
		last := s.Grants[len(s.Grants)-1]
		line, err := priceSlice(s.FeatureType, last, consumed, left, true)
		if err != nil {
			return Result{}, err
		}
		out.Lines = append(out.Lines, line)
		out.TotalCents += line.AmountCents
	}
	return out, nil
}

func priceSlice(ft plandomain.FeatureType, g grantdomain.SnapshotGrant, from, take float64, overage bool) (Line, error) {
	line := Line{GrantID: g.GrantID, Quantity: take, IsOverage: overage}

	switch ft {
	case plandomain.FeatureTypeUsage:
		unit := g.Config.UnitAmountCents
		line.UnitAmountCents = &unit
		line.AmountCents = RoundMoney(take * float64(unit))
	case plandomain.FeatureTypeTier:
		if len(g.Config.Tiers) == 0 {
			return Line{}, ErrNoTiers
		}
		line.AmountCents = RoundMoney(
			cumulativeTierCost(g.Config.Tiers, from+take) - cumulativeTierCost(g.Config.Tiers, from),
		)
	}
	return line, nil
}

// cumulativeTierCost is C(x): the graduated cost of the first x units.
// Each rung charges its unit rate on the units that fall inside it plus
// its flat amount once when entered. The last rung absorbs any
// remainder beyond its upper bound.
func cumulativeTierCost(tiers []plandomain.TierRow, x float64) float64 {
	var (
		cost float64
		lo   float64
	)
	for i, t := range tiers {
		if x <= lo {
			break
		}
		hi := math.Inf(1)
		if t.UpTo != nil && i < len(tiers)-1 {
			hi = float64(*t.UpTo)
		}
		span := math.Min(x, hi) - lo
		if span > 0 {
			cost += span*float64(t.UnitAmountCents) + float64(t.FlatAmountCents)
		}
		lo = hi
	}
	return cost
}
