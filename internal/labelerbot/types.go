package labelerbot

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/altheroes/labelerbot/internal/atproto"
)

// ErrSubscriberGone reports that the upstream no longer resolves a
// subscriber; the backfill engine has already deactivated them and the
// caller only needs to drop them from the registry.
var ErrSubscriberGone = errors.New("subscriber gone")

type Subscriber struct {
	DID      string
	RKey     string // record key of the like that created the subscription
	Handle   string
	Active   bool
	JoinedAt time.Time
}

// ImagePost is one scored image attachment. A post with several images
// yields several rows, keyed by (DID, CID).
type ImagePost struct {
	DID       string
	CID       string
	RKey      string // record key of the containing post
	ValidAlt  bool
	CreatedAt time.Time
}

type Logger interface {
	Printf(format string, args ...any)
}

// Store is the persistence capability. Batch upserts are atomic per call
// and idempotent on (DID, CID).
type Store interface {
	ActiveSubscribers(ctx context.Context) ([]Subscriber, error)
	SubscriberByDID(ctx context.Context, did string) (Subscriber, bool, error)
	CreateSubscriber(ctx context.Context, did, rkey string) error
	DeleteSubscriber(ctx context.Context, did string) (Tier, error)
	DeactivateSubscriber(ctx context.Context, did string) error
	UpdateHandle(ctx context.Context, did, handle string) error

	SavePosts(ctx context.Context, posts []ImagePost) error
	RemovePosts(ctx context.Context, did, rkey string) error
	PostsSince(ctx context.Context, did string, since time.Time) ([]ImagePost, error)

	CurrentLabel(ctx context.Context, did string) (Tier, error)
	SetLabel(ctx context.Context, did string, tier Tier) error
	ClearLabel(ctx context.Context, did string) error
}

// Labeler is the moderation capability. Failures are logged by the
// implementation; callers only see the confirmation boolean.
type Labeler interface {
	Apply(ctx context.Context, did string, tier Tier) bool
	Negate(ctx context.Context, did string, tier Tier) bool
}

// Notifier announces achievements. Best effort; rapid repeats for the same
// subscriber are deduplicated by the implementation.
type Notifier interface {
	PostAchievement(ctx context.Context, did string, tier Tier)
}

// RepoClient is the slice of the protocol client the backfill engine needs.
type RepoClient interface {
	ListRecords(ctx context.Context, repo, collection string, limit int, cursor string) (atproto.RecordPage, error)
	GetProfile(ctx context.Context, actor string) (atproto.Profile, error)
}

// ValidAltText reports whether an image description counts toward the
// quality metric: non-empty after trimming and at least 5 characters.
func ValidAltText(alt string) bool {
	trimmed := strings.TrimSpace(alt)
	return trimmed != "" && utf8.RuneCountInString(trimmed) >= 5
}
