package labelerbot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordedCreate struct {
	repo       string
	collection string
	record     any
}

type fakeCreator struct {
	mu      sync.Mutex
	created []recordedCreate
	err     error
}

func (f *fakeCreator) CreateRecord(ctx context.Context, repo, collection string, record any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, recordedCreate{repo: repo, collection: collection, record: record})
	return nil
}

func newTestNotifier(store *fakeStore, creator *fakeCreator, now *time.Time) *AchievementNotifier {
	return NewAchievementNotifier(AchievementNotifierOptions{
		Creator:      creator,
		Store:        store,
		ServiceDID:   testServiceDID,
		DedupeWindow: 5 * time.Minute,
		Now:          func() time.Time { return *now },
	})
}

func TestPostAchievementMentionsSubscriber(t *testing.T) {
	store := newFakeStore()
	store.subscribers["did:plc:alice"] = Subscriber{DID: "did:plc:alice", Handle: "alice.bsky.social", Active: true}
	creator := &fakeCreator{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	notifier := newTestNotifier(store, creator, &now)

	notifier.PostAchievement(context.Background(), "did:plc:alice", TierGold)

	if len(creator.created) != 1 {
		t.Fatalf("created = %d records, want 1", len(creator.created))
	}
	call := creator.created[0]
	if call.repo != testServiceDID || call.collection != "app.bsky.feed.post" {
		t.Fatalf("posted to %s/%s", call.repo, call.collection)
	}
	record, ok := call.record.(map[string]any)
	if !ok {
		t.Fatalf("record type %T", call.record)
	}
	text, _ := record["text"].(string)
	if !strings.HasPrefix(text, "@alice.bsky.social") || !strings.Contains(text, "Gold") {
		t.Fatalf("text = %q", text)
	}
	facets, ok := record["facets"].([]any)
	if !ok || len(facets) != 1 {
		t.Fatalf("facets = %+v", record["facets"])
	}
	facet := facets[0].(map[string]any)
	index := facet["index"].(map[string]int)
	if index["byteStart"] != 0 || index["byteEnd"] != len("alice.bsky.social")+1 {
		t.Fatalf("mention index = %+v", index)
	}
}

func TestPostAchievementDeduplicates(t *testing.T) {
	store := newFakeStore()
	store.subscribers["did:plc:alice"] = Subscriber{DID: "did:plc:alice", Handle: "alice.bsky.social", Active: true}
	creator := &fakeCreator{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	notifier := newTestNotifier(store, creator, &now)

	notifier.PostAchievement(context.Background(), "did:plc:alice", TierSilver)
	now = now.Add(time.Minute)
	notifier.PostAchievement(context.Background(), "did:plc:alice", TierGold)
	if len(creator.created) != 1 {
		t.Fatalf("created = %d, want the second post deduplicated", len(creator.created))
	}

	now = now.Add(10 * time.Minute)
	notifier.PostAchievement(context.Background(), "did:plc:alice", TierHero)
	if len(creator.created) != 2 {
		t.Fatalf("created = %d, want the post after the window", len(creator.created))
	}
}

func TestPostAchievementSkipsUnknownOrHandleless(t *testing.T) {
	store := newFakeStore()
	store.subscribers["did:plc:bob"] = Subscriber{DID: "did:plc:bob", Active: true} // no handle
	creator := &fakeCreator{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	notifier := newTestNotifier(store, creator, &now)

	notifier.PostAchievement(context.Background(), "did:plc:unknown", TierGold)
	notifier.PostAchievement(context.Background(), "did:plc:bob", TierGold)
	if len(creator.created) != 0 {
		t.Fatalf("created = %d, want 0", len(creator.created))
	}
}

func TestPostAchievementFailureDoesNotMarkPosted(t *testing.T) {
	store := newFakeStore()
	store.subscribers["did:plc:alice"] = Subscriber{DID: "did:plc:alice", Handle: "alice.bsky.social", Active: true}
	creator := &fakeCreator{err: context.DeadlineExceeded}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	notifier := newTestNotifier(store, creator, &now)

	notifier.PostAchievement(context.Background(), "did:plc:alice", TierGold)
	creator.err = nil
	notifier.PostAchievement(context.Background(), "did:plc:alice", TierGold)
	if len(creator.created) != 1 {
		t.Fatalf("created = %d, want retry to succeed immediately", len(creator.created))
	}
}
