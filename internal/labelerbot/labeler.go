package labelerbot

import "context"

// LabelEmitter is the moderation endpoint call the labeler wraps.
type LabelEmitter interface {
	EmitLabelEvent(ctx context.Context, subjectDID string, createVals, negateVals []string) error
}

// OzoneLabeler applies and negates tier labels through the moderation
// endpoint. Call detail is logged here; callers only see confirmation.
// Applying a tier that is already applied is harmless upstream, so both
// operations are idempotent from the caller's perspective.
type OzoneLabeler struct {
	emitter LabelEmitter
	logger  Logger
}

func NewOzoneLabeler(emitter LabelEmitter, logger Logger) *OzoneLabeler {
	return &OzoneLabeler{emitter: emitter, logger: logger}
}

func (l *OzoneLabeler) Apply(ctx context.Context, did string, tier Tier) bool {
	if tier == TierNone {
		return true
	}
	if err := l.emitter.EmitLabelEvent(ctx, did, []string{tier.String()}, nil); err != nil {
		l.logf("apply label %s to %s failed: %v", tier, did, err)
		return false
	}
	l.logf("applied label %s to %s", tier, did)
	return true
}

func (l *OzoneLabeler) Negate(ctx context.Context, did string, tier Tier) bool {
	if tier == TierNone {
		return true
	}
	if err := l.emitter.EmitLabelEvent(ctx, did, nil, []string{tier.String()}); err != nil {
		l.logf("negate label %s on %s failed: %v", tier, did, err)
		return false
	}
	l.logf("negated label %s on %s", tier, did)
	return true
}

func (l *OzoneLabeler) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}
