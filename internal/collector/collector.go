// Package collector reconciles fetched content into storage and maintains
// the daily aggregates.
package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"smmpulse/internal/clock"
	"smmpulse/internal/content"
	"smmpulse/internal/instagram"
	"smmpulse/internal/observability/metrics"
	"smmpulse/internal/storage"
	logx "smmpulse/pkg/logx"
)

// Fetcher is the slice of the resilient client the collector needs.
type Fetcher interface {
	Username() string
	FetchUserInfo(ctx context.Context, username string) (*content.UserInfo, error)
	FetchContentList(ctx context.Context, username string, kind content.Kind, limit int) ([]instagram.RawItem, error)
}

// Targets are the publishing goals the daily flags are measured against.
type Targets struct {
	StoriesPerDay     int
	PostsPerWeek      int
	ReelsPerWeek      int
	MinEngagementRate float64
}

// perDay spreads a weekly goal over the days of the week, rounding up.
func perDay(weekly int) int {
	if weekly <= 0 {
		return 0
	}
	return int(math.Ceil(float64(weekly) / 7))
}

type Config struct {
	Posts      int
	Stories    int
	Reels      int
	Engagement content.EngagementFormula
	Targets    Targets
	Location   *time.Location
}

func (c Config) withDefaults() Config {
	if c.Posts <= 0 {
		c.Posts = 20
	}
	if c.Stories <= 0 {
		c.Stories = 50
	}
	if c.Reels <= 0 {
		c.Reels = 10
	}
	if c.Engagement.Numerator == "" {
		c.Engagement = content.DefaultEngagement()
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// ItemError records why one item of a batch was not stored.
type ItemError struct {
	ID     string
	Reason string
}

// CollectionRun summarizes one collect call.
type CollectionRun struct {
	ID       string
	Kind     content.Kind
	Created  int
	Updated  int
	Skipped  int
	Errors   []ItemError
	Warnings []string
	Dates    []string
	Start    time.Time
	End      time.Time
}

func (r CollectionRun) Duration() time.Duration { return r.End.Sub(r.Start) }

// Add folds o into r. Used to summarize a multi-kind collection.
func (r *CollectionRun) Add(o CollectionRun) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Errors = append(r.Errors, o.Errors...)
	r.Warnings = append(r.Warnings, o.Warnings...)
	r.Dates = mergeDates(r.Dates, o.Dates)
	if r.Start.IsZero() || (!o.Start.IsZero() && o.Start.Before(r.Start)) {
		r.Start = o.Start
	}
	if o.End.After(r.End) {
		r.End = o.End
	}
}

// Fields are the completion log fields.
func (r CollectionRun) Fields() []logx.Field {
	return []logx.Field{
		logx.String("run_id", r.ID),
		logx.String("kind", string(r.Kind)),
		logx.Int("created", r.Created),
		logx.Int("updated", r.Updated),
		logx.Int("skipped", r.Skipped),
		logx.Int("errors", len(r.Errors)),
		logx.Int("warnings", len(r.Warnings)),
		logx.Duration("duration", r.Duration()),
	}
}

type Collector struct {
	api  Fetcher
	repo storage.Repository
	clk  clock.Clock
	log  logx.Logger

	mu   sync.RWMutex
	cfg  Config
	last CollectionRun
}

func New(api Fetcher, repo storage.Repository, clk clock.Clock, log logx.Logger, cfg Config) *Collector {
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{
		api:  api,
		repo: repo,
		clk:  clk,
		log:  log.With(logx.String("comp", "collector")),
		cfg:  cfg.withDefaults(),
	}
}

// SetTargets swaps the publishing goals. Safe at runtime.
func (c *Collector) SetTargets(t Targets) {
	c.mu.Lock()
	c.cfg.Targets = t
	c.mu.Unlock()
}

func (c *Collector) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Last returns the summary of the most recent CollectAll.
func (c *Collector) Last() CollectionRun {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Collect fetches up to amount items of kind for the own account and
// reconciles them in fetch order. Item failures are recorded on the run and
// never abort the batch; the returned error is reserved for fetch and
// aggregate failures.
func (c *Collector) Collect(ctx context.Context, kind content.Kind, amount int) (CollectionRun, error) {
	cfg := c.config()
	run := CollectionRun{ID: uuid.NewString(), Kind: kind, Start: c.clk.Now()}
	log := c.log.With(logx.String("run_id", run.ID), logx.String("kind", string(kind)))

	raws, err := c.api.FetchContentList(ctx, c.api.Username(), kind, amount)
	if err != nil {
		run.End = c.clk.Now()
		log.Error("collection fetch failed", logx.Err(err))
		return run, fmt.Errorf("collector: fetch %s: %w", kind, err)
	}

	touched := map[string]struct{}{}
	for i, raw := range raws {
		if ctx.Err() != nil {
			log.Warn("collection interrupted", logx.Int("remaining", len(raws)-i))
			break
		}
		res, err := convert(raw, kind, c.clk.Now(), cfg.Engagement)
		if err != nil {
			run.Skipped++
			run.Errors = append(run.Errors, ItemError{ID: raw.PK, Reason: err.Error()})
			metrics.CollectedItems.WithLabelValues(string(kind), "skipped").Inc()
			log.Warn("item skipped", logx.String("id", raw.PK), logx.Err(err))
			continue
		}
		if res.missingPosted {
			run.Warnings = append(run.Warnings, fmt.Sprintf("%s: missing posted time, using now", res.item.ExternalID))
		}

		// A started write finishes even if the job is cancelled meanwhile.
		res.item.UpdatedAt = c.clk.Now()
		created, row, err := c.upsert(context.WithoutCancel(ctx), res.item)
		if err != nil {
			run.Errors = append(run.Errors, ItemError{ID: res.item.ExternalID, Reason: err.Error()})
			metrics.CollectedItems.WithLabelValues(string(kind), "error").Inc()
			log.Error("item store failed", logx.String("id", res.item.ExternalID), logx.Err(err))
			continue
		}
		if created {
			run.Created++
			metrics.CollectedItems.WithLabelValues(string(kind), "created").Inc()
		} else {
			run.Updated++
			metrics.CollectedItems.WithLabelValues(string(kind), "updated").Inc()
		}
		touched[content.DateOf(row.PostedAt, cfg.Location)] = struct{}{}
	}

	run.Dates = sortedKeys(touched)
	var aggErr error
	for _, d := range run.Dates {
		// Aggregates are recomputed even when the batch was interrupted.
		if _, err := c.RecomputeDailyAggregate(context.WithoutCancel(ctx), d); err != nil {
			aggErr = errors.Join(aggErr, err)
		}
	}
	run.End = c.clk.Now()
	log.Info("collection completed", run.Fields()...)
	if aggErr != nil {
		return run, aggErr
	}
	return run, nil
}

// upsert stores it with one immediate retry on failure.
func (c *Collector) upsert(ctx context.Context, it content.Item) (bool, content.Item, error) {
	created, row, err := c.repo.UpsertContentItem(ctx, it)
	if err == nil {
		return created, row, nil
	}
	c.log.Debug("item store failed, retrying once", logx.String("id", it.ExternalID), logx.Err(err))
	return c.repo.UpsertContentItem(ctx, it)
}

// RecomputeDailyAggregate rebuilds the aggregate of date from every stored
// item posted that day. Running it twice yields the same row.
func (c *Collector) RecomputeDailyAggregate(ctx context.Context, date string) (content.DailyAggregate, error) {
	cfg := c.config()
	start, end, err := content.DayBounds(date, cfg.Location)
	if err != nil {
		return content.DailyAggregate{}, err
	}
	items, err := c.repo.ListPostedBetween(ctx, start, end)
	if err != nil {
		return content.DailyAggregate{}, fmt.Errorf("collector: list %s: %w", date, err)
	}

	agg := content.DailyAggregate{Date: date, UpdatedAt: c.clk.Now()}
	var (
		rateSum float64
		rated   int
	)
	for _, it := range items {
		switch it.Kind {
		case content.KindPost:
			agg.Posts++
		case content.KindStory:
			agg.Stories++
		case content.KindReel:
			agg.Reels++
		}
		agg.TotalLikes += it.Likes
		agg.TotalComments += it.Comments
		agg.TotalViews += it.Views
		agg.TotalSaves += it.Saves
		if it.Kind != content.KindStory {
			rateSum += it.EngagementRate
			rated++
		}
	}
	if rated > 0 {
		agg.AvgEngagementRate = content.Round2(rateSum / float64(rated))
	}

	if n, ok, err := c.repo.FollowersOn(ctx, date); err != nil {
		return content.DailyAggregate{}, fmt.Errorf("collector: followers %s: %w", date, err)
	} else if ok {
		agg.Followers = n
		prev, ok, err := c.repo.FollowersBefore(ctx, date)
		if err != nil {
			return content.DailyAggregate{}, fmt.Errorf("collector: followers before %s: %w", date, err)
		}
		if ok {
			agg.FollowersChange = n - prev
		}
	}

	t := cfg.Targets
	agg.StoriesTargetMet = agg.Stories >= t.StoriesPerDay
	agg.PostsTargetMet = agg.Posts >= perDay(t.PostsPerWeek)
	agg.ReelsTargetMet = agg.Reels >= perDay(t.ReelsPerWeek)

	row, err := c.repo.UpsertDailyAggregate(ctx, date, agg)
	if err != nil {
		return content.DailyAggregate{}, fmt.Errorf("collector: store aggregate %s: %w", date, err)
	}
	c.log.Debug("daily aggregate updated", logx.String("date", date), logx.Int("posts", agg.Posts), logx.Int("stories", agg.Stories), logx.Int("reels", agg.Reels))
	return row, nil
}

// CollectAll records today's follower snapshot, collects every kind and
// recomputes today's aggregate.
func (c *Collector) CollectAll(ctx context.Context) (CollectionRun, error) {
	cfg := c.config()
	total := CollectionRun{ID: uuid.NewString(), Start: c.clk.Now()}
	today := content.DateOf(c.clk.Now(), cfg.Location)

	var errs []error
	info, err := c.api.FetchUserInfo(ctx, c.api.Username())
	switch {
	case err != nil:
		if instagram.IsCredential(err) {
			return total, err
		}
		errs = append(errs, err)
	case info == nil:
		errs = append(errs, fmt.Errorf("collector: own account %q not found", c.api.Username()))
	default:
		if err := c.repo.PutFollowerSnapshot(ctx, today, info.Followers, c.clk.Now()); err != nil {
			errs = append(errs, fmt.Errorf("collector: follower snapshot: %w", err))
		}
	}

	amounts := map[content.Kind]int{content.KindPost: cfg.Posts, content.KindStory: cfg.Stories, content.KindReel: cfg.Reels}
	for _, kind := range content.Kinds {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		run, err := c.Collect(ctx, kind, amounts[kind])
		total.Add(run)
		if err != nil {
			if instagram.IsCredential(err) {
				errs = append(errs, err)
				break
			}
			errs = append(errs, err)
		}
	}

	if !containsDate(total.Dates, today) {
		if _, err := c.RecomputeDailyAggregate(context.WithoutCancel(ctx), today); err != nil {
			errs = append(errs, err)
		}
	}
	total.End = c.clk.Now()

	c.mu.Lock()
	c.last = total
	c.mu.Unlock()

	c.log.Info("collect all completed", total.Fields()...)
	return total, errors.Join(errs...)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func mergeDates(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, d := range a {
		set[d] = struct{}{}
	}
	for _, d := range b {
		set[d] = struct{}{}
	}
	return sortedKeys(set)
}

func containsDate(dates []string, d string) bool {
	for _, x := range dates {
		if x == d {
			return true
		}
	}
	return false
}

// Summary renders the run for chat output.
func (r CollectionRun) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "created %d, updated %d, skipped %d", r.Created, r.Updated, r.Skipped)
	if n := len(r.Errors); n > 0 {
		fmt.Fprintf(&b, ", %d errors", n)
	}
	if n := len(r.Warnings); n > 0 {
		fmt.Fprintf(&b, ", %d warnings", n)
	}
	if !r.End.IsZero() {
		fmt.Fprintf(&b, " in %s", r.Duration().Round(time.Millisecond))
	}
	return b.String()
}
