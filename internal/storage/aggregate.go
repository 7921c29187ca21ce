package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"smmpulse/internal/content"
)

const aggColumns = `date, posts, stories, reels, total_likes, total_comments, total_views, total_saves,
	avg_engagement_rate, followers, followers_change, posts_target_met, stories_target_met, reels_target_met, updated_at`

func (s *SQLite) UpsertDailyAggregate(ctx context.Context, date string, agg content.DailyAggregate) (content.DailyAggregate, error) {
	if _, _, err := content.DayBounds(date, time.UTC); err != nil {
		return content.DailyAggregate{}, err
	}
	agg.Date = date
	if agg.UpdatedAt.IsZero() {
		agg.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_aggregates(`+aggColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(date) DO UPDATE SET
			posts = excluded.posts,
			stories = excluded.stories,
			reels = excluded.reels,
			total_likes = excluded.total_likes,
			total_comments = excluded.total_comments,
			total_views = excluded.total_views,
			total_saves = excluded.total_saves,
			avg_engagement_rate = excluded.avg_engagement_rate,
			followers = excluded.followers,
			followers_change = excluded.followers_change,
			posts_target_met = excluded.posts_target_met,
			stories_target_met = excluded.stories_target_met,
			reels_target_met = excluded.reels_target_met,
			updated_at = excluded.updated_at`,
		agg.Date, agg.Posts, agg.Stories, agg.Reels, agg.TotalLikes, agg.TotalComments, agg.TotalViews, agg.TotalSaves,
		agg.AvgEngagementRate, agg.Followers, agg.FollowersChange,
		agg.PostsTargetMet, agg.StoriesTargetMet, agg.ReelsTargetMet, agg.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return content.DailyAggregate{}, err
	}
	return s.GetDailyAggregate(ctx, date)
}

func (s *SQLite) GetDailyAggregate(ctx context.Context, date string) (content.DailyAggregate, error) {
	agg, err := scanAggregate(s.db.QueryRowContext(ctx, `SELECT `+aggColumns+` FROM daily_aggregates WHERE date = ?`, date))
	if errors.Is(err, sql.ErrNoRows) {
		return content.DailyAggregate{}, ErrNotFound
	}
	return agg, err
}

// ListDailyAggregates returns the rows with from <= date <= to, oldest first.
func (s *SQLite) ListDailyAggregates(ctx context.Context, from, to string) ([]content.DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+aggColumns+` FROM daily_aggregates WHERE date >= ? AND date <= ? ORDER BY date`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []content.DailyAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

func scanAggregate(sc scanner) (content.DailyAggregate, error) {
	var (
		a   content.DailyAggregate
		upd int64
	)
	if err := sc.Scan(&a.Date, &a.Posts, &a.Stories, &a.Reels, &a.TotalLikes, &a.TotalComments, &a.TotalViews, &a.TotalSaves,
		&a.AvgEngagementRate, &a.Followers, &a.FollowersChange,
		&a.PostsTargetMet, &a.StoriesTargetMet, &a.ReelsTargetMet, &upd); err != nil {
		return content.DailyAggregate{}, err
	}
	a.UpdatedAt = time.UnixMilli(upd)
	return a, nil
}

// ---- follower snapshots ----

func (s *SQLite) PutFollowerSnapshot(ctx context.Context, date string, followers int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO follower_snapshots(date, followers, taken_at) VALUES(?,?,?)
		 ON CONFLICT(date) DO UPDATE SET followers = excluded.followers, taken_at = excluded.taken_at`,
		date, followers, at.UnixMilli())
	return err
}

func (s *SQLite) FollowersOn(ctx context.Context, date string) (int64, bool, error) {
	return s.followers(ctx, `SELECT followers FROM follower_snapshots WHERE date = ?`, date)
}

func (s *SQLite) FollowersBefore(ctx context.Context, date string) (int64, bool, error) {
	return s.followers(ctx, `SELECT followers FROM follower_snapshots WHERE date < ? ORDER BY date DESC LIMIT 1`, date)
}

func (s *SQLite) followers(ctx context.Context, q, date string) (int64, bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, q, date).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
