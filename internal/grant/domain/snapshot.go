package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
)

// ErrGrantConfigMismatch is a fatal invariant violation: grants for one
// feature disagree on type, reset config, or aggregation.
var ErrGrantConfigMismatch = errors.New("grant_config_mismatch")

// ErrNoActiveGrants means the feature has no entitlement right now.
var ErrNoActiveGrants = errors.New("no_active_grants")

// SnapshotGrant is one grant inside a merged snapshot, ordered for the
// waterfall (descending priority).
type SnapshotGrant struct {
	GrantID   snowflake.ID              `json:"grantId"`
	Type      GrantType                 `json:"type"`
	Priority  int                       `json:"priority"`
	Limit     *int64                    `json:"limit"`
	Units     *float64                  `json:"units"`
	HardLimit bool                      `json:"hardLimit"`
	Config    plandomain.FeatureConfig  `json:"config"`
}

// Snapshot is the effective entitlement derived from the active grant set.
type Snapshot struct {
	FeatureSlug       string                       `json:"featureSlug"`
	FeatureType       plandomain.FeatureType       `json:"featureType"`
	Limit             *int64                       `json:"limit"`
	HardLimit         bool                         `json:"hardLimit"`
	AggregationMethod plandomain.AggregationMethod `json:"aggregationMethod"`
	ResetConfig       plandomain.ResetConfig       `json:"resetConfig"`
	Grants            []SnapshotGrant              `json:"grants"`
	Version           string                       `json:"version"`
}

// Merge folds the active grant set into one effective entitlement.
// flat/package replace by highest priority; tier/usage sum limits and
// units, take the max hard limit, and let the highest priority win config
// ties. Grants disagreeing on feature type, reset config, or aggregation
// are a fatal invariant violation.
func Merge(grants []ActiveGrant) (*Snapshot, error) {
	if len(grants) == 0 {
		return nil, ErrNoActiveGrants
	}

	head := grants[0]
	for _, g := range grants[1:] {
		if g.FeatureType != head.FeatureType ||
			g.AggregationMethod != head.AggregationMethod ||
			g.ResetConfig != head.ResetConfig {
			return nil, fmt.Errorf("%w: feature %s", ErrGrantConfigMismatch, head.FeatureSlug)
		}
	}

	sorted := make([]ActiveGrant, len(grants))
	copy(sorted, grants)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Grant.Priority != sorted[j].Grant.Priority {
			return sorted[i].Grant.Priority > sorted[j].Grant.Priority
		}
		if !sorted[i].Grant.EffectiveAt.Equal(sorted[j].Grant.EffectiveAt) {
			return sorted[i].Grant.EffectiveAt.Before(sorted[j].Grant.EffectiveAt)
		}
		return sorted[i].Grant.ID < sorted[j].Grant.ID
	})

	snapshot := &Snapshot{
		FeatureSlug:       head.FeatureSlug,
		FeatureType:       head.FeatureType,
		AggregationMethod: head.AggregationMethod,
		ResetConfig:       head.ResetConfig,
		Grants:            make([]SnapshotGrant, 0, len(sorted)),
	}

	for _, g := range sorted {
		snapshot.Grants = append(snapshot.Grants, SnapshotGrant{
			GrantID:   g.Grant.ID,
			Type:      g.Grant.Type,
			Priority:  g.Grant.Priority,
			Limit:     g.Grant.Limit,
			Units:     g.Grant.Units,
			HardLimit: g.Grant.HardLimit,
			Config:    g.Config,
		})
	}

	if head.FeatureType.Metered() {
		mergeMetered(snapshot, sorted)
	} else {
		// replace: the highest priority grant wins all fields
		winner := sorted[0]
		snapshot.Limit = winner.Grant.Limit
		snapshot.HardLimit = winner.Grant.HardLimit
	}

	snapshot.Version = Version(sorted)
	return snapshot, nil
}

func mergeMetered(snapshot *Snapshot, sorted []ActiveGrant) {
	var (
		limitSum  int64
		unbounded bool
	)
	for _, g := range sorted {
		if g.Grant.Limit == nil {
			unbounded = true
		} else {
			limitSum += *g.Grant.Limit
		}
		if g.Grant.HardLimit {
			snapshot.HardLimit = true
		}
	}
	if !unbounded {
		snapshot.Limit = &limitSum
	}
}

// Version hashes the sorted grant set. It fences cache entries: any grant
// change produces a new version and stale cached state self-invalidates.
func Version(grants []ActiveGrant) string {
	ids := make([]string, 0, len(grants))
	for _, g := range grants {
		limit := "null"
		if g.Grant.Limit != nil {
			limit = fmt.Sprintf("%d", *g.Grant.Limit)
		}
		ids = append(ids, fmt.Sprintf("%d:%d:%s", g.Grant.ID, g.Grant.Priority, limit))
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "|")))
	return hex.EncodeToString(sum[:])
}
