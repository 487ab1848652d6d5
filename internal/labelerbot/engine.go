package labelerbot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/altheroes/labelerbot/internal/atproto"
)

type EngineOptions struct {
	Store      Store
	Labels     *LabelService
	Backfiller *Backfiller
	ServiceDID string
	// HandlerTimeout bounds one event's ingest-then-evaluate sequence so a
	// stuck upstream call cannot starve the per-identity lock.
	HandlerTimeout time.Duration
	ConnState      func() string
	Logger         Logger
}

// Engine classifies firehose records, owns the subscriber registry, and is
// the sole writer of subscriber lifecycle and label state. All mutation for
// one identity happens under that identity's lock.
type Engine struct {
	store          Store
	labels         *LabelService
	backfiller     *Backfiller
	serviceDID     string
	handlerTimeout time.Duration
	connState      func() string
	logger         Logger

	registry  *registry
	locks     *keyedMutex
	startedAt time.Time
}

type EngineStatus struct {
	SubscriberCount int       `json:"subscriberCount"`
	ConnectionState string    `json:"connectionState"`
	StartedAt       time.Time `json:"startedAt"`
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Labels == nil {
		return nil, errors.New("label service is required")
	}
	if opts.Backfiller == nil {
		return nil, errors.New("backfiller is required")
	}
	if opts.ServiceDID == "" {
		return nil, errors.New("service did is required")
	}
	timeout := opts.HandlerTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Engine{
		store:          opts.Store,
		labels:         opts.Labels,
		backfiller:     opts.Backfiller,
		serviceDID:     opts.ServiceDID,
		handlerTimeout: timeout,
		connState:      opts.ConnState,
		logger:         opts.Logger,
		registry:       newRegistry(),
		locks:          newKeyedMutex(),
	}, nil
}

// Start rebuilds the registry from the store. Must run before the live
// session delivers events.
func (e *Engine) Start(ctx context.Context) error {
	subs, err := e.store.ActiveSubscribers(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		e.registry.set(sub.DID, sub.RKey)
	}
	e.startedAt = time.Now()
	e.logf("initialized with %d subscribers", len(subs))
	return nil
}

// BackfillAll runs one backfill per registered subscriber, sequentially and
// in identity order to stay under upstream rate limits. Failures are
// per-subscriber; cancellation stops between subscribers.
func (e *Engine) BackfillAll(ctx context.Context) error {
	dids := e.registry.identities()
	e.logf("beginning backfill for %d subscribers", len(dids))
	for _, did := range dids {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.backfillOne(ctx, did)
	}
	e.logf("backfill complete")
	return nil
}

func (e *Engine) backfillOne(ctx context.Context, did string) {
	unlock := e.locks.Lock(did)
	defer unlock()
	if err := e.backfiller.Backfill(ctx, did); err != nil {
		if errors.Is(err, ErrSubscriberGone) {
			e.registry.remove(did)
			return
		}
		e.logf("backfill failed for %s: %v", did, err)
	}
}

// HandleEvent is the live session's record handler. Invocations may overlap
// freely across identities; errors never escape this boundary.
func (e *Engine) HandleEvent(ctx context.Context, event atproto.Event) {
	if e.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.handlerTimeout)
		defer cancel()
	}
	if err := e.dispatch(ctx, event); err != nil {
		e.logf("event for %s failed: %v", event.DID, err)
	}
}

func (e *Engine) dispatch(ctx context.Context, event atproto.Event) error {
	if event.Kind != atproto.KindCommit || event.Commit == nil || event.DID == "" {
		return nil
	}
	commit := event.Commit
	switch commit.Operation {
	case atproto.OpCreate:
		switch commit.Collection {
		case atproto.CollectionPosts:
			if !e.registry.has(event.DID) {
				return nil
			}
			post, err := commit.DecodePost()
			if err != nil {
				return fmt.Errorf("decode post: %w", err)
			}
			return e.handlePost(ctx, event.DID, commit.RKey, post)
		case atproto.CollectionLikes:
			like, err := commit.DecodeLike()
			if err != nil {
				return fmt.Errorf("decode like: %w", err)
			}
			if like.Subject.SubjectDID() != e.serviceDID || like.Subject.SubjectRKey() != "self" {
				return nil
			}
			return e.handleLike(ctx, event.DID, commit.RKey)
		}
	case atproto.OpDelete:
		switch commit.Collection {
		case atproto.CollectionLikes:
			// Only the like that created the subscription unsubscribes.
			if rkey, ok := e.registry.get(event.DID); ok && rkey == commit.RKey {
				return e.handleUnlike(ctx, event.DID)
			}
		case atproto.CollectionPosts:
			if e.registry.has(event.DID) {
				return e.handleUnpost(ctx, event.DID, commit.RKey)
			}
		}
	}
	return nil
}

func (e *Engine) handlePost(ctx context.Context, did, rkey string, post atproto.PostRecord) error {
	images := post.Images()
	if len(images) == 0 {
		return nil
	}
	unlock := e.locks.Lock(did)
	defer unlock()

	e.logf("handling new post from %s", did)
	created := post.CreatedAt.Time
	if created.IsZero() {
		created = time.Now().UTC()
	}
	posts := make([]ImagePost, 0, len(images))
	for _, image := range images {
		if image.Image.Ref.Link == "" {
			continue
		}
		posts = append(posts, ImagePost{
			DID:       did,
			CID:       image.Image.Ref.Link,
			RKey:      rkey,
			ValidAlt:  ValidAltText(image.Alt),
			CreatedAt: created,
		})
	}
	if len(posts) == 0 {
		return nil
	}
	if err := e.store.SavePosts(ctx, posts); err != nil {
		return err
	}
	return e.labels.Adjust(ctx, did)
}

func (e *Engine) handleLike(ctx context.Context, did, rkey string) error {
	unlock := e.locks.Lock(did)
	defer unlock()

	e.logf("handling new like from %s - removing any existing data before backfilling", did)
	if err := e.removeSubscriber(ctx, did); err != nil {
		return err
	}
	if err := e.store.CreateSubscriber(ctx, did, rkey); err != nil {
		return err
	}
	if err := e.backfiller.Backfill(ctx, did); err != nil {
		if errors.Is(err, ErrSubscriberGone) {
			return nil
		}
		// Not registered: live posts stay dropped until the next startup
		// backfill re-converges this subscriber.
		return err
	}
	e.registry.set(did, rkey)
	return nil
}

func (e *Engine) handleUnlike(ctx context.Context, did string) error {
	unlock := e.locks.Lock(did)
	defer unlock()

	e.logf("removing subscriber %s", did)
	return e.removeSubscriber(ctx, did)
}

// removeSubscriber purges local state and best-effort negates any applied
// label. Idempotent; callers hold the identity lock.
func (e *Engine) removeSubscriber(ctx context.Context, did string) error {
	e.registry.remove(did)
	current, err := e.store.DeleteSubscriber(ctx, did)
	if err != nil {
		return err
	}
	if current == TierNone {
		return nil
	}
	if !e.labels.RemoveLabel(ctx, did, current) {
		e.logf("failed to remove label %s for %s - manual removal required", current, did)
	}
	return nil
}

func (e *Engine) handleUnpost(ctx context.Context, did, rkey string) error {
	unlock := e.locks.Lock(did)
	defer unlock()

	e.logf("handling removed post from %s", did)
	if err := e.store.RemovePosts(ctx, did, rkey); err != nil {
		return err
	}
	return e.labels.Adjust(ctx, did)
}

// Reprocess re-evaluates every active subscriber's label. Exposed through
// the admin API.
func (e *Engine) Reprocess(ctx context.Context) error {
	subs, err := e.store.ActiveSubscribers(ctx)
	if err != nil {
		return err
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].DID < subs[j].DID })
	e.logf("reprocessing labels for %d subscribers", len(subs))
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		unlock := e.locks.Lock(sub.DID)
		if err := e.labels.Adjust(ctx, sub.DID); err != nil {
			e.logf("reprocess failed for %s: %v", sub.DID, err)
		}
		unlock()
	}
	return nil
}

func (e *Engine) Subscribers(ctx context.Context) ([]Subscriber, error) {
	return e.store.ActiveSubscribers(ctx)
}

func (e *Engine) Status() EngineStatus {
	state := ""
	if e.connState != nil {
		state = e.connState()
	}
	return EngineStatus{
		SubscriberCount: e.registry.size(),
		ConnectionState: state,
		StartedAt:       e.startedAt,
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

// registry is the owned in-memory subscriber state: identity to the record
// key of the like that subscribed them. Rebuilt from the store at startup.
type registry struct {
	mu      sync.RWMutex
	entries map[string]string
}

func newRegistry() *registry {
	return &registry{entries: map[string]string{}}
}

func (r *registry) has(did string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[did]
	return ok
}

func (r *registry) get(did string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rkey, ok := r.entries[did]
	return rkey, ok
}

func (r *registry) set(did, rkey string) {
	r.mu.Lock()
	r.entries[did] = rkey
	r.mu.Unlock()
}

func (r *registry) remove(did string) {
	r.mu.Lock()
	delete(r.entries, did)
	r.mu.Unlock()
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry) identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for did := range r.entries {
		out = append(out, did)
	}
	sort.Strings(out)
	return out
}
