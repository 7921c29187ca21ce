package content

import (
	"fmt"
	"math"
	"strings"
)

// Numerator selects which interactions count toward the engagement rate.
type Numerator string

const (
	NumeratorLikesComments      Numerator = "likes_comments"
	NumeratorLikesCommentsSaves Numerator = "likes_comments_saves"
)

// EngagementFormula computes engagementRate = numerator / views * 100,
// rounded to two decimals. Zero views yields 0.
type EngagementFormula struct {
	Numerator Numerator
}

func DefaultEngagement() EngagementFormula {
	return EngagementFormula{Numerator: NumeratorLikesComments}
}

func ParseNumerator(s string) (Numerator, error) {
	switch Numerator(strings.ToLower(strings.TrimSpace(s))) {
	case "", NumeratorLikesComments:
		return NumeratorLikesComments, nil
	case NumeratorLikesCommentsSaves:
		return NumeratorLikesCommentsSaves, nil
	}
	return "", fmt.Errorf("unknown engagement numerator %q", s)
}

func (f EngagementFormula) Rate(likes, comments, saves, views int64) float64 {
	if views <= 0 {
		return 0
	}
	num := likes + comments
	if f.Numerator == NumeratorLikesCommentsSaves {
		num += saves
	}
	return Round2(float64(num) / float64(views) * 100)
}

// Apply recomputes it.EngagementRate in place.
func (f EngagementFormula) Apply(it *Item) {
	it.EngagementRate = f.Rate(it.Likes, it.Comments, it.Saves, it.Views)
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ExtractHashtags returns the caption words that start with '#', lowercased,
// first occurrence order, without duplicates.
func ExtractHashtags(caption string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, w := range strings.Fields(caption) {
		if !strings.HasPrefix(w, "#") {
			continue
		}
		tag := strings.ToLower(strings.TrimRight(strings.TrimPrefix(w, "#"), ".,!?;:"))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
