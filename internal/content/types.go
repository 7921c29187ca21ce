package content

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindPost  Kind = "post"
	KindStory Kind = "story"
	KindReel  Kind = "reel"
)

// Kinds lists every kind in collection order.
var Kinds = []Kind{KindPost, KindStory, KindReel}

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPost, "posts":
		return KindPost, nil
	case KindStory, "stories":
		return KindStory, nil
	case KindReel, "reels":
		return KindReel, nil
	}
	return "", fmt.Errorf("unknown content kind %q", s)
}

// Item is a normalized post, story or reel.
//
// ExternalID, Kind and PostedAt are immutable once stored. Likes, Comments,
// Views, Saves and EngagementRate are refreshed on every collection.
type Item struct {
	ExternalID string
	Kind       Kind
	MediaType  string // photo, video, carousel

	PostedAt  time.Time
	ExpiresAt time.Time // stories only

	Likes    int64
	Comments int64
	Views    int64
	Saves    int64

	EngagementRate float64

	Caption      string
	Tags         []string
	ThumbnailURL string
	MediaURL     string
	DurationSec  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserInfo is the account summary returned by the external API.
type UserInfo struct {
	ID         string
	Username   string
	FullName   string
	Followers  int64
	Following  int64
	MediaCount int64
}

// DateLayout is the calendar date key used for daily aggregates.
const DateLayout = "2006-01-02"

// DailyAggregate is the per-calendar-date rollup. Date is DateLayout formatted.
type DailyAggregate struct {
	Date string

	Posts   int
	Stories int
	Reels   int

	TotalLikes    int64
	TotalComments int64
	TotalViews    int64
	TotalSaves    int64

	AvgEngagementRate float64

	Followers       int64
	FollowersChange int64

	PostsTargetMet   bool
	StoriesTargetMet bool
	ReelsTargetMet   bool

	UpdatedAt time.Time
}

// Competitor is the summary row kept per tracked account.
type Competitor struct {
	Username   string
	FullName   string
	Followers  int64
	Following  int64
	PostsCount int64

	AvgEngagementRate float64
	AvgLikes          float64
	AvgComments       float64

	TopPostID         string
	TopPostEngagement float64

	PostingFrequency float64 // posts per day across the sample
	PopularHashtags  []string
	RecentPosts      []Item

	LastAnalyzed time.Time
}

// DateOf returns the calendar date key of t in loc.
func DateOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// DayBounds returns [start, end) of the calendar date in loc.
func DayBounds(date string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return start, start.AddDate(0, 0, 1), nil
}
