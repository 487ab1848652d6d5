package labelerbot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/altheroes/labelerbot/internal/atproto"
)

type BackfillerOptions struct {
	Client           RepoClient
	Store            Store
	Labels           *LabelService
	RetentionWindow  time.Duration
	PageSize         int
	RateLimitBackoff time.Duration
	Logger           Logger
	Now              func() time.Time
}

// Backfiller reconstructs a subscriber's rolling post window from their
// repo history, independent of what the live stream has already seen.
type Backfiller struct {
	client  RepoClient
	store   Store
	labels  *LabelService
	window  time.Duration
	page    int
	backoff time.Duration
	logger  Logger
	now     func() time.Time
}

func NewBackfiller(opts BackfillerOptions) *Backfiller {
	window := opts.RetentionWindow
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	page := opts.PageSize
	if page <= 0 {
		page = 50
	}
	backoff := opts.RateLimitBackoff
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Backfiller{
		client:  opts.Client,
		store:   opts.Store,
		labels:  opts.Labels,
		window:  window,
		page:    page,
		backoff: backoff,
		logger:  opts.Logger,
		now:     now,
	}
}

// Backfill pages the subscriber's posts newest-first until the retention
// window is crossed or the collection is exhausted, then commits everything
// in one batch and converges the label. Buffered pages are never committed
// on an error or cancellation path. A vanished subscriber (400/404) is
// deactivated and reported as ErrSubscriberGone; a rate limit gets one
// same-cursor retry after the configured backoff.
func (b *Backfiller) Backfill(ctx context.Context, did string) error {
	b.logf("backfilling posts for %s", did)

	cutoff := b.now().Add(-b.window)
	earliest := b.now()
	cursor := ""
	retriedPage := false
	var collected []ImagePost

	for earliest.After(cutoff) {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := b.client.ListRecords(ctx, did, atproto.CollectionPosts, b.page, cursor)
		if err != nil {
			var apiErr *atproto.APIError
			if errors.As(err, &apiErr) {
				if apiErr.SubjectGone() {
					b.logf("subscriber %s not found - deactivating", did)
					if derr := b.store.DeactivateSubscriber(ctx, did); derr != nil {
						return derr
					}
					return ErrSubscriberGone
				}
				if apiErr.RateLimited() && !retriedPage {
					retriedPage = true
					b.logf("rate limited listing posts for %s - waiting %s", did, b.backoff)
					if waitErr := sleepContext(ctx, b.backoff); waitErr != nil {
						return waitErr
					}
					continue
				}
			}
			return err
		}
		retriedPage = false
		if len(page.Records) == 0 {
			break
		}
		for _, record := range page.Records {
			var post atproto.PostRecord
			if err := json.Unmarshal(record.Value, &post); err != nil {
				continue
			}
			created := post.CreatedAt.Time
			if created.IsZero() {
				created = b.now().UTC()
			}
			if created.Before(earliest) {
				earliest = created
			}
			for _, image := range post.Images() {
				if image.Image.Ref.Link == "" {
					continue
				}
				collected = append(collected, ImagePost{
					DID:       did,
					CID:       image.Image.Ref.Link,
					RKey:      record.RKey(),
					ValidAlt:  ValidAltText(image.Alt),
					CreatedAt: created,
				})
			}
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.store.SavePosts(ctx, collected); err != nil {
		return err
	}

	profile, err := b.client.GetProfile(ctx, did)
	if err != nil {
		b.logf("profile refresh failed for %s: %v", did, err)
		return nil
	}
	if err := b.store.UpdateHandle(ctx, did, profile.Handle); err != nil {
		return err
	}
	return b.labels.Adjust(ctx, did)
}

func (b *Backfiller) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
