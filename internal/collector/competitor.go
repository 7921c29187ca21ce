package collector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"smmpulse/internal/content"
	"smmpulse/internal/instagram"
	logx "smmpulse/pkg/logx"
)

const (
	competitorSample   = 10
	competitorHashtags = 10
)

// CollectCompetitor samples the latest posts of username and stores the
// summary row. The sample itself is not stored as content. A missing
// account returns nil, nil.
func (c *Collector) CollectCompetitor(ctx context.Context, username string) (*content.Competitor, error) {
	cfg := c.config()
	username = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
	log := c.log.With(logx.String("competitor", username))

	info, err := c.api.FetchUserInfo(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("collector: competitor %s: %w", username, err)
	}
	if info == nil {
		log.Warn("competitor not found")
		return nil, nil
	}
	raws, err := c.api.FetchContentList(ctx, username, content.KindPost, competitorSample)
	if err != nil {
		return nil, fmt.Errorf("collector: competitor %s posts: %w", username, err)
	}

	now := c.clk.Now()
	posts := make([]content.Item, 0, len(raws))
	for _, raw := range raws {
		res, err := convert(raw, content.KindPost, now, cfg.Engagement)
		if err != nil {
			log.Debug("competitor item skipped", logx.String("id", raw.PK), logx.Err(err))
			continue
		}
		posts = append(posts, res.item)
	}

	comp := summarizeCompetitor(username, *info, posts)
	comp.LastAnalyzed = now
	if err := c.repo.UpsertCompetitor(ctx, comp); err != nil {
		return nil, fmt.Errorf("collector: store competitor %s: %w", username, err)
	}
	log.Info("competitor analyzed",
		logx.Int("sample", len(posts)),
		logx.Float64("avg_engagement", comp.AvgEngagementRate),
		logx.Float64("posts_per_day", comp.PostingFrequency),
	)
	return &comp, nil
}

// CollectCompetitors analyzes every username and keeps going past failures.
// Credential errors stop the loop since every further call would fail too.
func (c *Collector) CollectCompetitors(ctx context.Context, usernames []string) (int, error) {
	var (
		done int
		errs []error
	)
	for _, u := range usernames {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		comp, err := c.CollectCompetitor(ctx, u)
		if err != nil {
			c.log.Error("competitor analysis failed", logx.String("competitor", u), logx.Err(err))
			errs = append(errs, err)
			if instagram.IsCredential(err) {
				break
			}
			continue
		}
		if comp != nil {
			done++
		}
	}
	if len(errs) > 0 {
		return done, fmt.Errorf("collector: %d of %d competitors failed: %w", len(errs), len(usernames), errs[0])
	}
	return done, nil
}

func summarizeCompetitor(username string, info content.UserInfo, posts []content.Item) content.Competitor {
	comp := content.Competitor{
		Username:    username,
		FullName:    info.FullName,
		Followers:   info.Followers,
		Following:   info.Following,
		PostsCount:  info.MediaCount,
		RecentPosts: posts,
	}
	if len(posts) == 0 {
		return comp
	}

	var likes, comments int64
	var rates float64
	tagCount := map[string]int{}
	var tagOrder []string
	oldest, newest := posts[0].PostedAt, posts[0].PostedAt
	for _, p := range posts {
		likes += p.Likes
		comments += p.Comments
		rates += p.EngagementRate
		if p.EngagementRate > comp.TopPostEngagement || comp.TopPostID == "" {
			comp.TopPostID = p.ExternalID
			comp.TopPostEngagement = p.EngagementRate
		}
		for _, t := range p.Tags {
			if tagCount[t] == 0 {
				tagOrder = append(tagOrder, t)
			}
			tagCount[t]++
		}
		if p.PostedAt.Before(oldest) {
			oldest = p.PostedAt
		}
		if p.PostedAt.After(newest) {
			newest = p.PostedAt
		}
	}
	n := float64(len(posts))
	comp.AvgLikes = content.Round2(float64(likes) / n)
	comp.AvgComments = content.Round2(float64(comments) / n)
	comp.AvgEngagementRate = content.Round2(rates / n)
	comp.TopPostEngagement = content.Round2(comp.TopPostEngagement)

	// A sample within one day counts as one day.
	days := newest.Sub(oldest).Hours() / 24
	if days < 1 {
		days = 1
	}
	comp.PostingFrequency = content.Round2(n / days)

	sort.SliceStable(tagOrder, func(i, j int) bool { return tagCount[tagOrder[i]] > tagCount[tagOrder[j]] })
	if len(tagOrder) > competitorHashtags {
		tagOrder = tagOrder[:competitorHashtags]
	}
	comp.PopularHashtags = tagOrder
	return comp
}
