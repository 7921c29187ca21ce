package collector

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"smmpulse/internal/content"
	"smmpulse/internal/instagram"
)

// StoryLifetime is how long a story stays visible after posting.
const StoryLifetime = 24 * time.Hour

var errMalformed = errors.New("malformed item")

// convertResult carries the flags conversion raises besides the item.
type convertResult struct {
	item          content.Item
	missingPosted bool
}

func mediaTypeName(code int) string {
	switch code {
	case 1:
		return "photo"
	case 2:
		return "video"
	case 8:
		return "carousel"
	}
	return "unknown"
}

// parseTakenAt accepts RFC3339 or unix seconds. ok is false when v is empty.
func parseTakenAt(v string) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs <= 0 {
			return time.Time{}, true, fmt.Errorf("%w: taken_at %d", errMalformed, secs)
		}
		return time.Unix(secs, 0), true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, true, fmt.Errorf("%w: taken_at %q", errMalformed, v)
	}
	return t, true, nil
}

func count(name string, p *int64) (int64, error) {
	if p == nil {
		return 0, nil
	}
	if *p < 0 {
		return 0, fmt.Errorf("%w: negative %s %d", errMalformed, name, *p)
	}
	return *p, nil
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

// convert normalizes one raw record of the requested kind.
func convert(raw instagram.RawItem, kind content.Kind, now time.Time, f content.EngagementFormula) (convertResult, error) {
	var res convertResult
	if raw.DecodeErr != "" {
		return res, fmt.Errorf("%w: %s", errMalformed, raw.DecodeErr)
	}
	id := strings.TrimSpace(raw.PK)
	if id == "" {
		return res, fmt.Errorf("%w: missing id", errMalformed)
	}

	posted, ok, err := parseTakenAt(raw.TakenAt)
	if err != nil {
		return res, err
	}
	if !ok {
		posted = now
		res.missingPosted = true
	}

	it := content.Item{
		ExternalID: id,
		Kind:       kind,
		MediaType:  mediaTypeName(raw.MediaType),
		PostedAt:   posted,
		Caption:    str(raw.CaptionText),
	}
	if it.Likes, err = count("likes", raw.LikeCount); err != nil {
		return res, err
	}
	if it.Comments, err = count("comments", raw.CommentCount); err != nil {
		return res, err
	}
	if it.Saves, err = count("saves", raw.SaveCount); err != nil {
		return res, err
	}
	if raw.ViewCount != nil {
		it.Views, err = count("views", raw.ViewCount)
	} else {
		it.Views, err = count("plays", raw.PlayCount)
	}
	if err != nil {
		return res, err
	}

	it.ThumbnailURL = str(raw.ThumbnailURL)
	it.MediaURL = str(raw.VideoURL)
	if it.MediaURL == "" {
		it.MediaURL = it.ThumbnailURL
	}
	if raw.VideoDuration != nil && *raw.VideoDuration > 0 {
		it.DurationSec = int(*raw.VideoDuration + 0.5)
	}
	if kind == content.KindStory {
		it.ExpiresAt = posted.Add(StoryLifetime)
	}
	it.Tags = content.ExtractHashtags(it.Caption)
	f.Apply(&it)

	res.item = it
	return res, nil
}
