package labelerbot

import (
	"context"
	"sync/atomic"
	"time"
)

type LabelServiceOptions struct {
	Store           Store
	Labeler         Labeler
	Notifier        Notifier
	RetentionWindow time.Duration
	Thresholds      ThresholdPolicy
	Logger          Logger
	Now             func() time.Time
}

// LabelService owns the label transition state machine. Persisted label
// state only ever reflects transitions the Labeler confirmed; the negate
// and apply halves of a transition are committed independently.
type LabelService struct {
	store    Store
	labeler  Labeler
	notifier Notifier
	window   time.Duration
	logger   Logger
	now      func() time.Time

	policy atomic.Pointer[ThresholdPolicy]
}

func NewLabelService(opts LabelServiceOptions) *LabelService {
	window := opts.RetentionWindow
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	thresholds := opts.Thresholds
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &LabelService{
		store:    opts.Store,
		labeler:  opts.Labeler,
		notifier: opts.Notifier,
		window:   window,
		logger:   opts.Logger,
		now:      now,
	}
	s.SetThresholds(thresholds)
	return s
}

// SetThresholds swaps the threshold policy; safe to call while evaluations
// are running (config hot reload).
func (s *LabelService) SetThresholds(policy ThresholdPolicy) {
	normalized := policy.Normalized()
	s.policy.Store(&normalized)
}

func (s *LabelService) Thresholds() ThresholdPolicy {
	return *s.policy.Load()
}

// Adjust re-evaluates one subscriber's tier from their posts inside the
// retention window and converges the external label. An empty window is
// skipped outright so a subscriber whose posts aged out keeps their label
// until new activity arrives.
func (s *LabelService) Adjust(ctx context.Context, did string) error {
	since := s.now().Add(-s.window)
	posts, err := s.store.PostsSince(ctx, did, since)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return nil
	}

	total := len(posts)
	valid := 0
	for _, post := range posts {
		if post.ValidAlt {
			valid++
		}
	}
	percent := float64(valid) / float64(total) * 100
	newTier := s.policy.Load().TierFor(percent)

	current, err := s.store.CurrentLabel(ctx, did)
	if err != nil {
		return err
	}
	if newTier == current {
		return nil
	}
	s.logf("%s: %d of %d valid = %.1f%% [%s -> %s]", did, valid, total, percent, current, newTier)

	if current != TierNone {
		if !s.labeler.Negate(ctx, did, current) {
			s.logf("failed to negate label %s for %s - keeping local state for retry on next evaluation", current, did)
			return nil
		}
		if err := s.store.ClearLabel(ctx, did); err != nil {
			return err
		}
	}
	if newTier != TierNone {
		if !s.labeler.Apply(ctx, did, newTier) {
			s.logf("failed to apply label %s for %s - local state is now unlabeled", newTier, did)
			return nil
		}
		if err := s.store.SetLabel(ctx, did, newTier); err != nil {
			return err
		}
		if newTier > current && s.notifier != nil {
			s.notifier.PostAchievement(ctx, did, newTier)
		}
	}
	return nil
}

// RemoveLabel negates an applied tier during unsubscribe. Returns the
// labeler's confirmation; the caller decides what a failure means.
func (s *LabelService) RemoveLabel(ctx context.Context, did string, current Tier) bool {
	return s.labeler.Negate(ctx, did, current)
}

func (s *LabelService) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
