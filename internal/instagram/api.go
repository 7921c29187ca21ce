package instagram

import "context"

// SessionBlob is the opaque serialized session state of one account.
type SessionBlob []byte

// API is the external API surface.
type API interface {
	// Login performs a credential exchange and returns the new session.
	Login(ctx context.Context, username, password string) (SessionBlob, error)
	// Restore loads a previously saved session without contacting the API.
	Restore(ctx context.Context, blob SessionBlob) error
	// TimelineFeed is the lightweight call used to validate a restored session.
	TimelineFeed(ctx context.Context) error

	ResolveUserID(ctx context.Context, username string) (string, error)
	UserInfo(ctx context.Context, userID string) (RawUser, error)
	UserMedias(ctx context.Context, userID string, amount int) ([]RawItem, error)
	UserStories(ctx context.Context, userID string) ([]RawItem, error)
	MediaInfo(ctx context.Context, mediaID string) (RawItem, error)
}

// RawUser mirrors the gateway user payload.
type RawUser struct {
	PK             string `json:"pk"`
	Username       string `json:"username"`
	FullName       string `json:"full_name"`
	FollowerCount  int64  `json:"follower_count"`
	FollowingCount int64  `json:"following_count"`
	MediaCount     int64  `json:"media_count"`
}

// RawItem mirrors the gateway media/story payload. Optional fields are
// pointers so that absence can be told apart from zero.
type RawItem struct {
	PK          string `json:"pk"`
	Code        string `json:"code,omitempty"`
	TakenAt     string `json:"taken_at,omitempty"` // RFC3339 or unix seconds, string or number
	MediaType   int    `json:"media_type"`         // 1 photo, 2 video, 8 carousel
	ProductType string `json:"product_type,omitempty"`

	CaptionText  *string `json:"caption_text,omitempty"`
	LikeCount    *int64  `json:"like_count,omitempty"`
	CommentCount *int64  `json:"comment_count,omitempty"`
	PlayCount    *int64  `json:"play_count,omitempty"`
	ViewCount    *int64  `json:"view_count,omitempty"`
	SaveCount    *int64  `json:"save_count,omitempty"`

	ThumbnailURL  *string  `json:"thumbnail_url,omitempty"`
	VideoURL      *string  `json:"video_url,omitempty"`
	VideoDuration *float64 `json:"video_duration,omitempty"`

	// Story is set by UserStories.
	Story bool `json:"-"`
	// DecodeErr is set on a list element that could not be decoded. Only
	// PK and ProductType are filled then, when readable.
	DecodeErr string `json:"-"`
}
