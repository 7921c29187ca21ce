// Package report renders the daily, weekly and monthly chat reports and
// the daily target check from stored aggregates.
package report

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"smmpulse/internal/content"
	"smmpulse/internal/storage"
)

type Reader interface {
	GetDailyAggregate(ctx context.Context, date string) (content.DailyAggregate, error)
	ListDailyAggregates(ctx context.Context, from, to string) ([]content.DailyAggregate, error)
	ListPostedBetween(ctx context.Context, start, end time.Time) ([]content.Item, error)
}

type Targets struct {
	StoriesPerDay     int
	PostsPerWeek      int
	ReelsPerWeek      int
	MinEngagementRate float64
}

type Reporter struct {
	repo    Reader
	loc     *time.Location
	targets func() Targets
}

// New returns a Reporter. targets is read on every call so reloaded
// targets apply without a restart.
func New(repo Reader, loc *time.Location, targets func() Targets) *Reporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Reporter{repo: repo, loc: loc, targets: targets}
}

// Summary is the rollup of a date range.
type Summary struct {
	From, To string // inclusive
	Days     int    // days with an aggregate row

	Posts   int
	Stories int
	Reels   int

	Likes    int64
	Comments int64
	Views    int64
	Saves    int64

	AvgEngagementRate float64
	FollowersEnd      int64
	FollowersChange   int64
	StoriesDaysMet    int

	Top []content.Item
}

// Summarize rolls up [start, end) and picks the top posts and reels by
// engagement rate.
func (r *Reporter) Summarize(ctx context.Context, start, end time.Time, top int) (Summary, error) {
	s := Summary{From: content.DateOf(start, r.loc), To: content.DateOf(end.Add(-time.Nanosecond), r.loc)}
	aggs, err := r.repo.ListDailyAggregates(ctx, s.From, s.To)
	if err != nil {
		return Summary{}, fmt.Errorf("report: aggregates %s..%s: %w", s.From, s.To, err)
	}
	var (
		rateSum float64
		rated   int
	)
	for _, a := range aggs {
		s.Days++
		s.Posts += a.Posts
		s.Stories += a.Stories
		s.Reels += a.Reels
		s.Likes += a.TotalLikes
		s.Comments += a.TotalComments
		s.Views += a.TotalViews
		s.Saves += a.TotalSaves
		s.FollowersChange += a.FollowersChange
		if a.Followers > 0 {
			s.FollowersEnd = a.Followers
		}
		if a.StoriesTargetMet {
			s.StoriesDaysMet++
		}
		if a.Posts+a.Reels > 0 {
			rateSum += a.AvgEngagementRate
			rated++
		}
	}
	if rated > 0 {
		s.AvgEngagementRate = content.Round2(rateSum / float64(rated))
	}

	if top > 0 {
		items, err := r.repo.ListPostedBetween(ctx, start, end)
		if err != nil {
			return Summary{}, fmt.Errorf("report: items %s..%s: %w", s.From, s.To, err)
		}
		s.Top = topByEngagement(items, top)
	}
	return s, nil
}

func topByEngagement(items []content.Item, n int) []content.Item {
	var out []content.Item
	for _, it := range items {
		if it.Kind != content.KindStory {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EngagementRate > out[j].EngagementRate })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func mark(ok bool) string {
	if ok {
		return "✅"
	}
	return "❌"
}

func signed(n int64) string {
	if n > 0 {
		return fmt.Sprintf("+%d", n)
	}
	return fmt.Sprintf("%d", n)
}

// Daily renders the report for date.
func (r *Reporter) Daily(ctx context.Context, date string) (string, error) {
	agg, err := r.repo.GetDailyAggregate(ctx, date)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Sprintf("📅 Daily report %s\nNo data collected yet.", date), nil
	}
	if err != nil {
		return "", fmt.Errorf("report: daily %s: %w", date, err)
	}
	start, end, err := content.DayBounds(date, r.loc)
	if err != nil {
		return "", err
	}
	items, err := r.repo.ListPostedBetween(ctx, start, end)
	if err != nil {
		return "", fmt.Errorf("report: daily items %s: %w", date, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📅 Daily report %s\n\n", date)
	fmt.Fprintf(&b, "Posts %d %s · Stories %d %s · Reels %d %s\n",
		agg.Posts, mark(agg.PostsTargetMet), agg.Stories, mark(agg.StoriesTargetMet), agg.Reels, mark(agg.ReelsTargetMet))
	fmt.Fprintf(&b, "Likes %d · Comments %d · Views %d · Saves %d\n", agg.TotalLikes, agg.TotalComments, agg.TotalViews, agg.TotalSaves)
	fmt.Fprintf(&b, "Avg engagement %.2f%%\n", agg.AvgEngagementRate)
	if agg.Followers > 0 {
		fmt.Fprintf(&b, "Followers %d (%s)\n", agg.Followers, signed(agg.FollowersChange))
	}
	if best := topByEngagement(items, 1); len(best) == 1 {
		fmt.Fprintf(&b, "\n🏆 Best: %s %s %.2f%% (%d likes, %d comments)\n", best[0].Kind, best[0].ExternalID, best[0].EngagementRate, best[0].Likes, best[0].Comments)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// Weekly covers the seven days before the day of now.
func (r *Reporter) Weekly(ctx context.Context, now time.Time) (string, error) {
	end := startOfDay(now, r.loc)
	start := end.AddDate(0, 0, -7)
	cur, err := r.Summarize(ctx, start, end, 3)
	if err != nil {
		return "", err
	}
	prev, err := r.Summarize(ctx, start.AddDate(0, 0, -7), start, 0)
	if err != nil {
		return "", err
	}
	t := r.targets()

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Weekly report %s – %s\n\n", cur.From, cur.To)
	fmt.Fprintf(&b, "Posts %d/%d %s\n", cur.Posts, t.PostsPerWeek, mark(cur.Posts >= t.PostsPerWeek))
	fmt.Fprintf(&b, "Reels %d/%d %s\n", cur.Reels, t.ReelsPerWeek, mark(cur.Reels >= t.ReelsPerWeek))
	fmt.Fprintf(&b, "Stories %d (target met %d/7 days)\n", cur.Stories, cur.StoriesDaysMet)
	writeTotals(&b, cur)
	fmt.Fprintf(&b, "\nVs previous week: posts %s, likes %s, engagement %s\n",
		signed(int64(cur.Posts-prev.Posts)), signed(cur.Likes-prev.Likes), pointsDelta(cur.AvgEngagementRate, prev.AvgEngagementRate))
	writeTop(&b, "Top posts of the week", cur.Top)
	return strings.TrimRight(b.String(), "\n"), nil
}

// Monthly covers the calendar month before the month of now.
func (r *Reporter) Monthly(ctx context.Context, now time.Time) (string, error) {
	y, m, _ := now.In(r.loc).Date()
	end := time.Date(y, m, 1, 0, 0, 0, 0, r.loc)
	start := end.AddDate(0, -1, 0)
	cur, err := r.Summarize(ctx, start, end, 5)
	if err != nil {
		return "", err
	}
	t := r.targets()
	days := int(math.Round(end.Sub(start).Hours() / 24))
	postsTarget := int(math.Ceil(float64(t.PostsPerWeek) * float64(days) / 7))

	var b strings.Builder
	fmt.Fprintf(&b, "🗓 Monthly report %s\n\n", start.Format("January 2006"))
	fmt.Fprintf(&b, "Posts %d · Stories %d · Reels %d\n", cur.Posts, cur.Stories, cur.Reels)
	fmt.Fprintf(&b, "Posts target %d/%d %s\n", cur.Posts, postsTarget, mark(cur.Posts >= postsTarget))
	writeTotals(&b, cur)
	if cur.FollowersEnd > 0 {
		fmt.Fprintf(&b, "Followers at month end %d (%s)\n", cur.FollowersEnd, signed(cur.FollowersChange))
	}
	if cur.AvgEngagementRate >= t.MinEngagementRate {
		fmt.Fprintf(&b, "✅ Engagement at or above target (%.2f%%)\n", t.MinEngagementRate)
	} else {
		fmt.Fprintf(&b, "⚠️ Engagement below target (%.2f%%)\n", t.MinEngagementRate)
	}
	writeTop(&b, "Top posts of the month", cur.Top)
	return strings.TrimRight(b.String(), "\n"), nil
}

// CheckTargets returns one alert line per missed daily target. A date
// without an aggregate yields no alerts.
func (r *Reporter) CheckTargets(ctx context.Context, date string) ([]string, error) {
	agg, err := r.repo.GetDailyAggregate(ctx, date)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("report: targets %s: %w", date, err)
	}
	t := r.targets()
	var alerts []string
	if agg.Stories < t.StoriesPerDay {
		alerts = append(alerts, fmt.Sprintf("Stories %d of %d planned", agg.Stories, t.StoriesPerDay))
	}
	if agg.AvgEngagementRate < t.MinEngagementRate {
		alerts = append(alerts, fmt.Sprintf("Engagement %.2f%% below minimum %.2f%%", agg.AvgEngagementRate, t.MinEngagementRate))
	}
	return alerts, nil
}

func writeTotals(b *strings.Builder, s Summary) {
	fmt.Fprintf(b, "Likes %d · Comments %d · Views %d · Saves %d\n", s.Likes, s.Comments, s.Views, s.Saves)
	fmt.Fprintf(b, "Avg engagement %.2f%%\n", s.AvgEngagementRate)
}

func writeTop(b *strings.Builder, title string, top []content.Item) {
	if len(top) == 0 {
		return
	}
	fmt.Fprintf(b, "\n🏆 %s:\n", title)
	for i, it := range top {
		fmt.Fprintf(b, "%d. %s %s %.2f%% (%d likes)\n", i+1, it.Kind, it.ExternalID, it.EngagementRate, it.Likes)
	}
}

func pointsDelta(cur, prev float64) string {
	d := content.Round2(cur - prev)
	if d > 0 {
		return fmt.Sprintf("+%.2fpp", d)
	}
	return fmt.Sprintf("%.2fpp", d)
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
