package model

import (
	"fmt"
	"time"
)

// Kind identifies an edge relation between an actor and a target.
type Kind string

const (
	KindLike   Kind = "like"
	KindFollow Kind = "follow"
)

// Valid reports whether k is a known edge kind.
func (k Kind) Valid() bool { return k == KindLike || k == KindFollow }

// CounterField names a denormalized counter on a parent document.
type CounterField string

const (
	FieldLikes     CounterField = "likeCount"
	FieldComments  CounterField = "commentCount"
	FieldFollowers CounterField = "followerCount"
	FieldFollowing CounterField = "followingCount"
)

// PrimaryField returns the counter field on the target entity that an edge
// of this kind feeds.
func (k Kind) PrimaryField() CounterField {
	if k == KindFollow {
		return FieldFollowers
	}
	return FieldLikes
}

// Edge is a directed relation (actor, target, kind). Existence is binary and
// keyed by the triple, so creation and deletion are idempotent.
type Edge struct {
	Kind      Kind
	ActorID   string
	TargetID  string
	CreatedAt time.Time
}

func (e Edge) String() string {
	return fmt.Sprintf("%s:%s->%s", e.Kind, e.ActorID, e.TargetID)
}

// CachedCounter is a counter snapshot with its fetch time, used to decide
// staleness. An absent snapshot means "unknown", never zero.
type CachedCounter struct {
	Value     int       `json:"value"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// FeedEntry composes a post, its author, and the counters displayed next to
// it. Counts here are authoritative-at-fetch-time; local pending deltas are
// overlaid at render.
type FeedEntry struct {
	PostID              string    `json:"postId"`
	AuthorID            string    `json:"authorId"`
	AuthorName          string    `json:"authorName"`
	Text                string    `json:"text"`
	CreatedAt           time.Time `json:"createdAt"`
	LikeCount           int       `json:"likeCount"`
	CommentCount        int       `json:"commentCount"`
	AuthorFollowerCount int       `json:"authorFollowerCount"`
	LikedByMe           bool      `json:"likedByMe"`
	FollowingAuthor     bool      `json:"followingAuthor"`
}

// FeedPage is one page of feed entries plus the token for the next page.
type FeedPage struct {
	Entries       []FeedEntry `json:"entries"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
	FetchedAt     time.Time   `json:"fetchedAt"`
}
