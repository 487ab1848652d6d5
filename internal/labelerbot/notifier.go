package labelerbot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/altheroes/labelerbot/internal/atproto"
)

// RecordCreator is the slice of the protocol client the notifier needs.
type RecordCreator interface {
	CreateRecord(ctx context.Context, repo, collection string, record any) error
}

type AchievementNotifierOptions struct {
	Creator      RecordCreator
	Store        Store
	ServiceDID   string
	DedupeWindow time.Duration
	Logger       Logger
	Now          func() time.Time
}

// AchievementNotifier announces tier increases as posts from the service
// account, mentioning the subscriber. Rapid repeats for the same subscriber
// inside the dedupe window are dropped.
type AchievementNotifier struct {
	creator    RecordCreator
	store      Store
	serviceDID string
	dedupe     time.Duration
	logger     Logger
	now        func() time.Time

	mu       sync.Mutex
	lastPost map[string]time.Time
}

func NewAchievementNotifier(opts AchievementNotifierOptions) *AchievementNotifier {
	dedupe := opts.DedupeWindow
	if dedupe <= 0 {
		dedupe = 5 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &AchievementNotifier{
		creator:    opts.Creator,
		store:      opts.Store,
		serviceDID: opts.ServiceDID,
		dedupe:     dedupe,
		logger:     opts.Logger,
		now:        now,
		lastPost:   map[string]time.Time{},
	}
}

func (n *AchievementNotifier) PostAchievement(ctx context.Context, did string, tier Tier) {
	sub, ok, err := n.store.SubscriberByDID(ctx, did)
	if err != nil || !ok || sub.Handle == "" {
		n.logf("skipping achievement post for %s", did)
		return
	}
	if n.isDupe(did) {
		n.logf("skipping achievement post for %s", did)
		return
	}

	text := fmt.Sprintf("@%s just leveled up to %s! Congratulations and keep up the good work!\n\n"+
		"~ Like and subscribe to get your own Alt Heroes medal! ~", sub.Handle, tier.Title())

	record := map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      text,
		"createdAt": n.now().UTC().Format(time.RFC3339),
		"facets": []any{
			map[string]any{
				"index": map[string]int{
					"byteStart": 0,
					"byteEnd":   len(sub.Handle) + 1,
				},
				"features": []any{
					map[string]any{
						"$type": "app.bsky.richtext.facet#mention",
						"did":   did,
					},
				},
			},
		},
	}
	if err := n.creator.CreateRecord(ctx, n.serviceDID, atproto.CollectionPosts, record); err != nil {
		n.logf("failed to post achievement for %s: %v", did, err)
		return
	}
	n.markPosted(did)
	n.logf("new post: %s", text)
}

func (n *AchievementNotifier) isDupe(did string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	last, ok := n.lastPost[did]
	if !ok {
		return false
	}
	return n.now().Before(last.Add(n.dedupe))
}

func (n *AchievementNotifier) markPosted(did string) {
	n.mu.Lock()
	n.lastPost[did] = n.now()
	n.mu.Unlock()
}

func (n *AchievementNotifier) logf(format string, args ...any) {
	if n.logger == nil {
		return
	}
	n.logger.Printf(format, args...)
}
