package labelerbot

import (
	"context"
	"sync"
	"time"

	"github.com/altheroes/labelerbot/internal/atproto"
)

// fakeStore is an in-memory Store used across the package tests.
type fakeStore struct {
	mu          sync.Mutex
	subscribers map[string]Subscriber
	posts       []ImagePost
	labels      map[string]Tier

	savePostsErr  error
	postsSinceErr error
	setLabelErr   error

	deactivated []string
	saveCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subscribers: map[string]Subscriber{},
		labels:      map[string]Tier{},
	}
}

func (f *fakeStore) ActiveSubscribers(ctx context.Context) ([]Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Subscriber
	for _, sub := range f.subscribers {
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeStore) SubscriberByDID(ctx context.Context, did string) (Subscriber, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscribers[did]
	return sub, ok, nil
}

func (f *fakeStore) CreateSubscriber(ctx context.Context, did, rkey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked(did)
	f.subscribers[did] = Subscriber{DID: did, RKey: rkey, Active: true, JoinedAt: time.Now()}
	return nil
}

func (f *fakeStore) DeleteSubscriber(ctx context.Context, did string) (Tier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tier := f.labels[did]
	f.purgeLocked(did)
	return tier, nil
}

func (f *fakeStore) purgeLocked(did string) {
	delete(f.subscribers, did)
	delete(f.labels, did)
	kept := f.posts[:0]
	for _, post := range f.posts {
		if post.DID != did {
			kept = append(kept, post)
		}
	}
	f.posts = kept
}

func (f *fakeStore) DeactivateSubscriber(ctx context.Context, did string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, did)
	if sub, ok := f.subscribers[did]; ok {
		sub.Active = false
		f.subscribers[did] = sub
	}
	return nil
}

func (f *fakeStore) UpdateHandle(ctx context.Context, did, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subscribers[did]; ok {
		sub.Handle = handle
		f.subscribers[did] = sub
	}
	return nil
}

func (f *fakeStore) SavePosts(ctx context.Context, posts []ImagePost) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.savePostsErr != nil {
		return f.savePostsErr
	}
	for _, post := range posts {
		if f.hasPostLocked(post.DID, post.CID) {
			continue
		}
		f.posts = append(f.posts, post)
	}
	return nil
}

func (f *fakeStore) hasPostLocked(did, cid string) bool {
	for _, post := range f.posts {
		if post.DID == did && post.CID == cid {
			return true
		}
	}
	return false
}

func (f *fakeStore) RemovePosts(ctx context.Context, did, rkey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.posts[:0]
	for _, post := range f.posts {
		if post.DID == did && post.RKey == rkey {
			continue
		}
		kept = append(kept, post)
	}
	f.posts = kept
	return nil
}

func (f *fakeStore) PostsSince(ctx context.Context, did string, since time.Time) ([]ImagePost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postsSinceErr != nil {
		return nil, f.postsSinceErr
	}
	var out []ImagePost
	for _, post := range f.posts {
		if post.DID == did && !post.CreatedAt.Before(since) {
			out = append(out, post)
		}
	}
	return out, nil
}

func (f *fakeStore) CurrentLabel(ctx context.Context, did string) (Tier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labels[did], nil
}

func (f *fakeStore) SetLabel(ctx context.Context, did string, tier Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setLabelErr != nil {
		return f.setLabelErr
	}
	f.labels[did] = tier
	return nil
}

func (f *fakeStore) ClearLabel(ctx context.Context, did string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.labels, did)
	return nil
}

func (f *fakeStore) postCount(did string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, post := range f.posts {
		if post.DID == did {
			count++
		}
	}
	return count
}

func (f *fakeStore) label(did string) Tier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labels[did]
}

type labelCall struct {
	did  string
	tier Tier
}

type fakeLabeler struct {
	mu         sync.Mutex
	applied    []labelCall
	negated    []labelCall
	failApply  bool
	failNegate bool
}

func (f *fakeLabeler) Apply(ctx context.Context, did string, tier Tier) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failApply {
		return false
	}
	f.applied = append(f.applied, labelCall{did: did, tier: tier})
	return true
}

func (f *fakeLabeler) Negate(ctx context.Context, did string, tier Tier) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNegate {
		return false
	}
	f.negated = append(f.negated, labelCall{did: did, tier: tier})
	return true
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []labelCall
}

func (f *fakeNotifier) PostAchievement(ctx context.Context, did string, tier Tier) {
	f.mu.Lock()
	f.calls = append(f.calls, labelCall{did: did, tier: tier})
	f.mu.Unlock()
}

type listCall struct {
	repo   string
	limit  int
	cursor string
}

type listResult struct {
	page atproto.RecordPage
	err  error
}

// fakeRepoClient serves a scripted sequence of listRecords responses.
type fakeRepoClient struct {
	mu      sync.Mutex
	results []listResult
	calls   []listCall

	profile    atproto.Profile
	profileErr error
}

func (f *fakeRepoClient) ListRecords(ctx context.Context, repo, collection string, limit int, cursor string) (atproto.RecordPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, listCall{repo: repo, limit: limit, cursor: cursor})
	if len(f.results) == 0 {
		return atproto.RecordPage{}, nil
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next.page, next.err
}

func (f *fakeRepoClient) GetProfile(ctx context.Context, actor string) (atproto.Profile, error) {
	if f.profileErr != nil {
		return atproto.Profile{}, f.profileErr
	}
	return f.profile, nil
}
