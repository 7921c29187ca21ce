package storage

import (
	"context"
	"errors"
	"time"

	"smmpulse/internal/content"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures the SQLite database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Repository is the storage contract the collection pipeline writes through.
type Repository interface {
	// UpsertContentItem inserts it, or refreshes the mutable metrics of the
	// existing (kind, external_id) row. The stored row is returned.
	UpsertContentItem(ctx context.Context, it content.Item) (created bool, row content.Item, err error)
	GetByExternalID(ctx context.Context, kind content.Kind, externalID string) (content.Item, error)
	ListPostedBetween(ctx context.Context, start, end time.Time) ([]content.Item, error)

	// UpsertDailyAggregate overwrites every field of the row for date.
	UpsertDailyAggregate(ctx context.Context, date string, agg content.DailyAggregate) (content.DailyAggregate, error)
	GetDailyAggregate(ctx context.Context, date string) (content.DailyAggregate, error)

	PutFollowerSnapshot(ctx context.Context, date string, followers int64, at time.Time) error
	// FollowersOn returns the snapshot for date.
	FollowersOn(ctx context.Context, date string) (int64, bool, error)
	// FollowersBefore returns the latest snapshot strictly before date.
	FollowersBefore(ctx context.Context, date string) (int64, bool, error)

	UpsertCompetitor(ctx context.Context, c content.Competitor) error
}

// AuditEntry records an operator action (manual runs, pause/resume).
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Actor   string
	Action  string
	Target  string
	OK      bool
	Error   string
}
