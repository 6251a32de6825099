package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/smallbiznis/meterbill/internal/analytics/domain"
	"github.com/smallbiznis/meterbill/pkg/db/pagination"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&domain.UsageEvent{}))
	t.Cleanup(func() {
		gdb.Exec("DELETE FROM usage_events")
	})
	return gdb
}

func TestIngest_ReplayAbsorbed(t *testing.T) {
	gdb := newTestDB(t)
	store := Provide()
	node, err := snowflake.NewNode(9)
	require.NoError(t, err)

	ctx := context.Background()
	projectID := node.Generate()
	customerID := node.Generate()
	key := "evt-1"

	first := &domain.UsageEvent{
		ID:             node.Generate(),
		ProjectID:      projectID,
		CustomerID:     customerID,
		FeatureSlug:    "api",
		Value:          3,
		RecordedAt:     time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Status:         domain.EventStatusAccepted,
		IdempotencyKey: &key,
	}
	require.NoError(t, store.Ingest(ctx, gdb, []*domain.UsageEvent{first}))

	replay := *first
	replay.ID = node.Generate()
	replay.Value = 99
	require.NoError(t, store.Ingest(ctx, gdb, []*domain.UsageEvent{&replay}))

	var count int64
	require.NoError(t, gdb.Model(&domain.UsageEvent{}).Where("project_id = ?", projectID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestListEvents_KeysetPagination(t *testing.T) {
	gdb := newTestDB(t)
	store := Provide()
	node, err := snowflake.NewNode(10)
	require.NoError(t, err)

	ctx := context.Background()
	projectID := node.Generate()
	customerID := node.Generate()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []snowflake.ID
	for i := 0; i < 5; i++ {
		ev := &domain.UsageEvent{
			ID:          node.Generate(),
			ProjectID:   projectID,
			CustomerID:  customerID,
			FeatureSlug: "api",
			Value:       float64(i + 1),
			RecordedAt:  base.Add(time.Duration(i) * time.Minute),
			Status:      domain.EventStatusEnriched,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.Ingest(ctx, gdb, []*domain.UsageEvent{ev}))
		ids = append(ids, ev.ID)
	}

	filter := domain.UsageFilter{ProjectID: projectID}

	page1, err := store.ListEvents(ctx, gdb, filter, pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1.Events, 2)
	require.True(t, page1.PageInfo.HasMore)
	require.Equal(t, ids[4], page1.Events[0].ID)
	require.Equal(t, ids[3], page1.Events[1].ID)

	page2, err := store.ListEvents(ctx, gdb, filter, pagination.Pagination{
		PageSize:  2,
		PageToken: page1.PageInfo.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, page2.Events, 2)
	require.True(t, page2.PageInfo.HasMore)
	require.Equal(t, ids[2], page2.Events[0].ID)
	require.Equal(t, ids[1], page2.Events[1].ID)

	page3, err := store.ListEvents(ctx, gdb, filter, pagination.Pagination{
		PageSize:  2,
		PageToken: page2.PageInfo.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, page3.Events, 1)
	require.False(t, page3.PageInfo.HasMore)
	require.Equal(t, ids[0], page3.Events[0].ID)
}
