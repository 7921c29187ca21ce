package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"smmpulse/internal/content"
)

const competitorColumns = `username, full_name, followers, following, posts_count, avg_engagement_rate, avg_likes, avg_comments,
	top_post_id, top_post_engagement, posting_frequency, popular_hashtags, recent_posts, last_analyzed`

func (s *SQLite) UpsertCompetitor(ctx context.Context, c content.Competitor) error {
	c.Username = strings.ToLower(strings.TrimSpace(c.Username))
	if c.Username == "" {
		return errors.New("storage: competitor username is required")
	}
	if c.LastAnalyzed.IsZero() {
		c.LastAnalyzed = time.Now()
	}
	tags, err := json.Marshal(c.PopularHashtags)
	if err != nil {
		return err
	}
	recent, err := json.Marshal(c.RecentPosts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO competitors(`+competitorColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(username) DO UPDATE SET
			full_name = excluded.full_name,
			followers = excluded.followers,
			following = excluded.following,
			posts_count = excluded.posts_count,
			avg_engagement_rate = excluded.avg_engagement_rate,
			avg_likes = excluded.avg_likes,
			avg_comments = excluded.avg_comments,
			top_post_id = excluded.top_post_id,
			top_post_engagement = excluded.top_post_engagement,
			posting_frequency = excluded.posting_frequency,
			popular_hashtags = excluded.popular_hashtags,
			recent_posts = excluded.recent_posts,
			last_analyzed = excluded.last_analyzed`,
		c.Username, nullStr(c.FullName), c.Followers, c.Following, c.PostsCount,
		c.AvgEngagementRate, c.AvgLikes, c.AvgComments,
		nullStr(c.TopPostID), c.TopPostEngagement, c.PostingFrequency,
		string(tags), string(recent), c.LastAnalyzed.UnixMilli(),
	)
	return err
}

func (s *SQLite) GetCompetitor(ctx context.Context, username string) (content.Competitor, error) {
	c, err := scanCompetitor(s.db.QueryRowContext(ctx,
		`SELECT `+competitorColumns+` FROM competitors WHERE username = ?`, strings.ToLower(strings.TrimSpace(username))))
	if errors.Is(err, sql.ErrNoRows) {
		return content.Competitor{}, ErrNotFound
	}
	return c, err
}

// ListCompetitors returns every competitor ordered by average engagement, best first.
func (s *SQLite) ListCompetitors(ctx context.Context) ([]content.Competitor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+competitorColumns+` FROM competitors ORDER BY avg_engagement_rate DESC, username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []content.Competitor
	for rows.Next() {
		c, err := scanCompetitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCompetitor(sc scanner) (content.Competitor, error) {
	var (
		c                 content.Competitor
		fullName, topPost sql.NullString
		tags, recent      sql.NullString
		analyzed          int64
	)
	if err := sc.Scan(&c.Username, &fullName, &c.Followers, &c.Following, &c.PostsCount,
		&c.AvgEngagementRate, &c.AvgLikes, &c.AvgComments,
		&topPost, &c.TopPostEngagement, &c.PostingFrequency, &tags, &recent, &analyzed); err != nil {
		return content.Competitor{}, err
	}
	c.FullName = fullName.String
	c.TopPostID = topPost.String
	c.LastAnalyzed = time.UnixMilli(analyzed)
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &c.PopularHashtags); err != nil {
			return content.Competitor{}, fmt.Errorf("storage: decode hashtags of %s: %w", c.Username, err)
		}
	}
	if recent.Valid && recent.String != "" {
		if err := json.Unmarshal([]byte(recent.String), &c.RecentPosts); err != nil {
			return content.Competitor{}, fmt.Errorf("storage: decode recent posts of %s: %w", c.Username, err)
		}
	}
	return c, nil
}
