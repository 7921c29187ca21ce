package report

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"smmpulse/internal/content"
	"smmpulse/internal/storage"
	logx "smmpulse/pkg/logx"
)

func defaultTargets() Targets {
	return Targets{StoriesPerDay: 3, PostsPerWeek: 3, ReelsPerWeek: 2, MinEngagementRate: 3.5}
}

func seed(t *testing.T) *Reporter {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "r.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	aggs := []content.DailyAggregate{
		{Date: "2024-01-10", Posts: 1, TotalLikes: 30, AvgEngagementRate: 3},
		{Date: "2024-01-15", Posts: 1, Stories: 2, Reels: 1, TotalLikes: 40, TotalComments: 4, TotalViews: 500,
			AvgEngagementRate: 4, Followers: 120, FollowersChange: 20, PostsTargetMet: true, ReelsTargetMet: true},
		{Date: "2024-01-16", Stories: 3, StoriesTargetMet: true},
		{Date: "2024-01-17", Posts: 2, TotalLikes: 60, AvgEngagementRate: 5, Followers: 125, FollowersChange: 5},
	}
	for _, a := range aggs {
		if _, err := st.UpsertDailyAggregate(ctx, a.Date, a); err != nil {
			t.Fatalf("UpsertDailyAggregate(%s): %v", a.Date, err)
		}
	}
	day := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	items := []content.Item{
		{ExternalID: "p1", Kind: content.KindPost, PostedAt: day, Likes: 40, Comments: 2, EngagementRate: 4.2},
		{ExternalID: "r1", Kind: content.KindReel, PostedAt: day.Add(time.Hour), Likes: 70, Comments: 2, EngagementRate: 8},
		{ExternalID: "s1", Kind: content.KindStory, PostedAt: day.Add(2 * time.Hour), Views: 90, EngagementRate: 50},
		{ExternalID: "p2", Kind: content.KindPost, PostedAt: day.AddDate(0, 0, 2), Likes: 30, EngagementRate: 6},
	}
	for _, it := range items {
		if _, _, err := st.UpsertContentItem(ctx, it); err != nil {
			t.Fatalf("UpsertContentItem(%s): %v", it.ExternalID, err)
		}
	}
	return New(st, time.UTC, defaultTargets)
}

func assertContains(t *testing.T, got string, wants ...string) {
	t.Helper()
	for _, w := range wants {
		if !strings.Contains(got, w) {
			t.Fatalf("report missing %q:\n%s", w, got)
		}
	}
}

func TestDaily(t *testing.T) {
	t.Parallel()

	r := seed(t)
	ctx := context.Background()
	got, err := r.Daily(ctx, "2024-01-15")
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	assertContains(t, got,
		"Daily report 2024-01-15",
		"Posts 1 ✅ · Stories 2 ❌ · Reels 1 ✅",
		"Avg engagement 4.00%",
		"Followers 120 (+20)",
		"Best: reel r1 8.00%",
	)

	got, err = r.Daily(ctx, "2024-02-01")
	if err != nil || !strings.Contains(got, "No data collected yet.") {
		t.Fatalf("Daily(empty) = %q, %v", got, err)
	}
}

func TestSummarizeSkipsStoryOnlyDaysInAverage(t *testing.T) {
	t.Parallel()

	r := seed(t)
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	s, err := r.Summarize(context.Background(), start, start.AddDate(0, 0, 7), 2)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.From != "2024-01-15" || s.To != "2024-01-21" {
		t.Fatalf("range = %s..%s", s.From, s.To)
	}
	if s.Days != 3 || s.Posts != 3 || s.Stories != 5 || s.Likes != 100 {
		t.Fatalf("summary = %+v", s)
	}
	if s.AvgEngagementRate != 4.5 {
		t.Fatalf("AvgEngagementRate = %v, want 4.5", s.AvgEngagementRate)
	}
	if s.FollowersEnd != 125 || s.FollowersChange != 25 {
		t.Fatalf("followers = %d (%+d)", s.FollowersEnd, s.FollowersChange)
	}
	if len(s.Top) != 2 || s.Top[0].ExternalID != "r1" || s.Top[1].ExternalID != "p2" {
		t.Fatalf("top = %+v", s.Top)
	}
}

func TestWeekly(t *testing.T) {
	t.Parallel()

	r := seed(t)
	now := time.Date(2024, 1, 22, 9, 0, 0, 0, time.UTC)
	got, err := r.Weekly(context.Background(), now)
	if err != nil {
		t.Fatalf("Weekly: %v", err)
	}
	assertContains(t, got,
		"Weekly report 2024-01-15 – 2024-01-21",
		"Posts 3/3 ✅",
		"Reels 1/2 ❌",
		"target met 1/7 days",
		"Vs previous week: posts +2, likes +70, engagement +1.50pp",
		"1. reel r1 8.00%",
	)
}

func TestMonthly(t *testing.T) {
	t.Parallel()

	r := seed(t)
	got, err := r.Monthly(context.Background(), time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Monthly: %v", err)
	}
	assertContains(t, got,
		"Monthly report January 2024",
		"Posts 4 · Stories 5 · Reels 1",
		"Posts target 4/14 ❌",
		"Followers at month end 125 (+25)",
		"Engagement at or above target",
	)
}

func TestCheckTargets(t *testing.T) {
	t.Parallel()

	r := seed(t)
	ctx := context.Background()

	alerts, err := r.CheckTargets(ctx, "2024-01-15")
	if err != nil {
		t.Fatalf("CheckTargets: %v", err)
	}
	if len(alerts) != 1 || alerts[0] != "Stories 2 of 3 planned" {
		t.Fatalf("alerts = %q", alerts)
	}

	alerts, err = r.CheckTargets(ctx, "2024-01-16")
	if err != nil || len(alerts) != 1 || !strings.HasPrefix(alerts[0], "Engagement 0.00% below minimum 3.50%") {
		t.Fatalf("alerts(16) = %q, %v", alerts, err)
	}

	if alerts, err := r.CheckTargets(ctx, "2024-03-01"); err != nil || alerts != nil {
		t.Fatalf("alerts(missing) = %q, %v", alerts, err)
	}
}
