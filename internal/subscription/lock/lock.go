// Package lock implements the persisted per-subscription lease that
// serializes machine runs across horizontally scaled workers.
package lock

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubscriptionLock is the lease row. The primary key doubles as the
// mutex identity: at most one live row per (project, subscription).
type SubscriptionLock struct {
	ProjectID      snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	SubscriptionID snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	OwnerToken     string       `gorm:"type:text;not null"`
	ExpiresAt      time.Time    `gorm:"not null"`
}

func (SubscriptionLock) TableName() string { return "subscription_locks" }

// Lease is a held lock. All writes made under it must happen before
// ExpiresAt; call Extend before slow provider I/O.
type Lease struct {
	ProjectID      snowflake.ID
	SubscriptionID snowflake.ID
	OwnerToken     string
	ExpiresAt      time.Time
}

type Locker struct{}

func NewLocker() *Locker { return &Locker{} }

// Acquire takes the lease with a fresh owner token. A live holder wins;
// an expired row is taken over in the same statement.
func (l *Locker) Acquire(ctx context.Context, db *gorm.DB, projectID, subscriptionID snowflake.ID, now time.Time, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	expiresAt := now.UTC().Add(ttl)

	res := db.WithContext(ctx).Exec(
		`INSERT INTO subscription_locks (project_id, subscription_id, owner_token, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (project_id, subscription_id)
		 DO UPDATE SET owner_token = excluded.owner_token, expires_at = excluded.expires_at
		 WHERE subscription_locks.expires_at <= ?`,
		projectID, subscriptionID, token, expiresAt, now.UTC(),
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &Lease{
		ProjectID:      projectID,
		SubscriptionID: subscriptionID,
		OwnerToken:     token,
		ExpiresAt:      expiresAt,
	}, nil
}

// Extend pushes the expiry forward. Only the live owner may extend:
// a non-owner token fails, and so does the owner once expired.
func (l *Locker) Extend(ctx context.Context, db *gorm.DB, lease *Lease, now time.Time, ttl time.Duration) (bool, error) {
	expiresAt := now.UTC().Add(ttl)

	res := db.WithContext(ctx).Exec(
		`UPDATE subscription_locks
		 SET expires_at = ?
		 WHERE project_id = ? AND subscription_id = ? AND owner_token = ? AND expires_at > ?`,
		expiresAt, lease.ProjectID, lease.SubscriptionID, lease.OwnerToken, now.UTC(),
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	lease.ExpiresAt = expiresAt
	return true, nil
}

// Release deletes the row unconditionally.
func (l *Locker) Release(ctx context.Context, db *gorm.DB, lease *Lease) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM subscription_locks WHERE project_id = ? AND subscription_id = ?`,
		lease.ProjectID, lease.SubscriptionID,
	).Error
}

// ReleaseExpired sweeps leases whose holders went away, so stuck
// subscriptions can make progress on the next scheduler pass.
func (l *Locker) ReleaseExpired(ctx context.Context, db *gorm.DB, olderThan time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM subscription_locks WHERE expires_at <= ?`,
		olderThan.UTC(),
	)
	return res.RowsAffected, res.Error
}
