package domain

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/smallbiznis/meterbill/internal/calendar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meteredGrant(id int64, priority int, limit int64) ActiveGrant {
	l := limit
	return ActiveGrant{
		Grant: Grant{
			ID:          snowflake.ID(id),
			Type:        GrantTypeSubscription,
			Priority:    priority,
			EffectiveAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Limit:       &l,
		},
		FeatureSlug:       "api",
		FeatureType:       plandomain.FeatureTypeUsage,
		AggregationMethod: plandomain.AggregationSum,
		ResetConfig:       plandomain.ResetConfig{Interval: calendar.IntervalMonth, IntervalCount: 1, Anchor: 1},
		Config:            plandomain.FeatureConfig{UnitAmountCents: 100},
	}
}

func TestFilterActive(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	live := meteredGrant(1, 10, 100)
	deleted := meteredGrant(2, 10, 100)
	deleted.Grant.Deleted = true
	notYet := meteredGrant(3, 10, 100)
	notYet.Grant.EffectiveAt = future
	lapsed := meteredGrant(4, 10, 100)
	lapsed.Grant.ExpiresAt = &expired
	expiringNow := meteredGrant(5, 10, 100)
	expiringNow.Grant.ExpiresAt = &now

	active := FilterActive([]ActiveGrant{live, deleted, notYet, lapsed, expiringNow}, now)
	require.Len(t, active, 1)
	assert.Equal(t, snowflake.ID(1), active[0].Grant.ID)
}

func TestMerge_MeteredSumsLimits(t *testing.T) {
	a := meteredGrant(1, 10, 100)
	b := meteredGrant(2, 80, 50)
	b.Grant.Type = GrantTypeTrial
	b.Grant.HardLimit = true

	snapshot, err := Merge([]ActiveGrant{a, b})
	require.NoError(t, err)

	require.NotNil(t, snapshot.Limit)
	assert.Equal(t, int64(150), *snapshot.Limit)
	assert.True(t, snapshot.HardLimit)

	// waterfall order: descending priority
	require.Len(t, snapshot.Grants, 2)
	assert.Equal(t, snowflake.ID(2), snapshot.Grants[0].GrantID)
	assert.Equal(t, snowflake.ID(1), snapshot.Grants[1].GrantID)
}

func TestMerge_MeteredUnboundedGrant(t *testing.T) {
	a := meteredGrant(1, 10, 100)
	b := meteredGrant(2, 90, 0)
	b.Grant.Limit = nil

	snapshot, err := Merge([]ActiveGrant{a, b})
	require.NoError(t, err)
	assert.Nil(t, snapshot.Limit)
}

func TestMerge_FlatReplacesByPriority(t *testing.T) {
	low := meteredGrant(1, 10, 100)
	low.FeatureType = plandomain.FeatureTypeFlat
	low.Grant.HardLimit = true
	high := meteredGrant(2, 100, 500)
	high.FeatureType = plandomain.FeatureTypeFlat
	high.Grant.Type = GrantTypeManual

	snapshot, err := Merge([]ActiveGrant{low, high})
	require.NoError(t, err)

	require.NotNil(t, snapshot.Limit)
	assert.Equal(t, int64(500), *snapshot.Limit)
	assert.False(t, snapshot.HardLimit, "replace policy must not inherit the losing grant's hard limit")
}

func TestMerge_ConfigMismatchIsFatal(t *testing.T) {
	a := meteredGrant(1, 10, 100)
	b := meteredGrant(2, 80, 50)
	b.AggregationMethod = plandomain.AggregationMax

	_, err := Merge([]ActiveGrant{a, b})
	require.ErrorIs(t, err, ErrGrantConfigMismatch)

	c := meteredGrant(3, 10, 100)
	c.ResetConfig.Anchor = 15
	_, err = Merge([]ActiveGrant{a, c})
	require.ErrorIs(t, err, ErrGrantConfigMismatch)
}

func TestMerge_EmptySet(t *testing.T) {
	_, err := Merge(nil)
	require.ErrorIs(t, err, ErrNoActiveGrants)
}

func TestVersion_ChangesWithGrantSet(t *testing.T) {
	a := meteredGrant(1, 10, 100)
	b := meteredGrant(2, 80, 50)

	v1 := Version([]ActiveGrant{a, b})
	v2 := Version([]ActiveGrant{b, a})
	assert.Equal(t, v1, v2, "version must be order independent")
	assert.Len(t, v1, 64)

	bumped := meteredGrant(2, 80, 60)
	v3 := Version([]ActiveGrant{a, bumped})
	assert.NotEqual(t, v1, v3)
}

func TestDefaultPriority(t *testing.T) {
	assert.Equal(t, 10, DefaultPriority(GrantTypeSubscription))
	assert.Equal(t, 80, DefaultPriority(GrantTypeTrial))
	assert.Equal(t, 90, DefaultPriority(GrantTypePromotion))
	assert.Equal(t, 100, DefaultPriority(GrantTypeManual))
}
