package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/altheroes/labelerbot/internal/labelerbot"
)

const postgresOperationTimeout = 5 * time.Second

var ErrInvalidInput = errors.New("invalid input")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists subscribers, scored image posts and applied labels.
// Schema is bootstrapped lazily on first use.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS subscribers (
				did TEXT PRIMARY KEY,
				rkey TEXT NOT NULL,
				handle TEXT,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS image_posts (
				did TEXT NOT NULL,
				cid TEXT NOT NULL,
				rkey TEXT NOT NULL,
				valid_alt BOOLEAN NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (did, cid)
			)`,
			`CREATE INDEX IF NOT EXISTS image_posts_did_rkey_idx ON image_posts (did, rkey)`,
			`CREATE INDEX IF NOT EXISTS image_posts_did_created_at_idx ON image_posts (did, created_at)`,
			`CREATE TABLE IF NOT EXISTS labels (
				did TEXT PRIMARY KEY,
				tier TEXT NOT NULL,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (s *PostgresStore) ActiveSubscribers(ctx context.Context) ([]labelerbot.Subscriber, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT did, rkey, COALESCE(handle, ''), active, joined_at FROM subscribers WHERE active ORDER BY did`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]labelerbot.Subscriber, 0)
	for rows.Next() {
		var sub labelerbot.Subscriber
		if err := rows.Scan(&sub.DID, &sub.RKey, &sub.Handle, &sub.Active, &sub.JoinedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) SubscriberByDID(ctx context.Context, did string) (labelerbot.Subscriber, bool, error) {
	if err := s.ensureReady(); err != nil {
		return labelerbot.Subscriber{}, false, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var sub labelerbot.Subscriber
	err := s.db.QueryRowContext(ctx,
		`SELECT did, rkey, COALESCE(handle, ''), active, joined_at FROM subscribers WHERE did = $1`, did).
		Scan(&sub.DID, &sub.RKey, &sub.Handle, &sub.Active, &sub.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return labelerbot.Subscriber{}, false, nil
	}
	if err != nil {
		return labelerbot.Subscriber{}, false, err
	}
	return sub, true, nil
}

// CreateSubscriber purges any prior state for the identity and inserts a
// fresh active row in the same transaction, so a resubscribe never
// resurrects stale posts or labels.
func (s *PostgresStore) CreateSubscriber(ctx context.Context, did, rkey string) error {
	if strings.TrimSpace(did) == "" || strings.TrimSpace(rkey) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := purgeSubscriber(ctx, tx, did); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscribers (did, rkey, active, joined_at) VALUES ($1, $2, TRUE, NOW())`, did, rkey); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// DeleteSubscriber removes all local state for the identity and returns the
// tier that was applied, so the caller can negate it externally.
func (s *PostgresStore) DeleteSubscriber(ctx context.Context, did string) (labelerbot.Tier, error) {
	if err := s.ensureReady(); err != nil {
		return labelerbot.TierNone, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return labelerbot.TierNone, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	current := labelerbot.TierNone
	var tierValue string
	err = tx.QueryRowContext(ctx, `SELECT tier FROM labels WHERE did = $1`, did).Scan(&tierValue)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return labelerbot.TierNone, err
	}
	if err == nil {
		if parsed, ok := labelerbot.ParseTier(tierValue); ok {
			current = parsed
		}
	}
	if err := purgeSubscriber(ctx, tx, did); err != nil {
		return labelerbot.TierNone, err
	}
	if err := tx.Commit(); err != nil {
		return labelerbot.TierNone, err
	}
	committed = true
	return current, nil
}

func purgeSubscriber(ctx context.Context, tx *sql.Tx, did string) error {
	for _, query := range []string{
		`DELETE FROM image_posts WHERE did = $1`,
		`DELETE FROM labels WHERE did = $1`,
		`DELETE FROM subscribers WHERE did = $1`,
	} {
		if _, err := tx.ExecContext(ctx, query, did); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) DeactivateSubscriber(ctx context.Context, did string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET active = FALSE WHERE did = $1`, did)
	return err
}

func (s *PostgresStore) UpdateHandle(ctx context.Context, did, handle string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET handle = $2 WHERE did = $1`, did, handle)
	return err
}

// SavePosts upserts a batch in one transaction. Duplicate (did, cid) keys,
// whether already stored or repeated within the batch, are no-ops.
func (s *PostgresStore) SavePosts(ctx context.Context, posts []labelerbot.ImagePost) error {
	if len(posts) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO image_posts (did, cid, rkey, valid_alt, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (did, cid) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, post := range posts {
		if _, err := stmt.ExecContext(ctx, post.DID, post.CID, post.RKey, post.ValidAlt, post.CreatedAt.UTC()); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) RemovePosts(ctx context.Context, did, rkey string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM image_posts WHERE did = $1 AND rkey = $2`, did, rkey)
	return err
}

func (s *PostgresStore) PostsSince(ctx context.Context, did string, since time.Time) ([]labelerbot.ImagePost, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT did, cid, rkey, valid_alt, created_at FROM image_posts WHERE did = $1 AND created_at >= $2`,
		did, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := make([]labelerbot.ImagePost, 0)
	for rows.Next() {
		var post labelerbot.ImagePost
		if err := rows.Scan(&post.DID, &post.CID, &post.RKey, &post.ValidAlt, &post.CreatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func (s *PostgresStore) CurrentLabel(ctx context.Context, did string) (labelerbot.Tier, error) {
	if err := s.ensureReady(); err != nil {
		return labelerbot.TierNone, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var tierValue string
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM labels WHERE did = $1`, did).Scan(&tierValue)
	if errors.Is(err, sql.ErrNoRows) {
		return labelerbot.TierNone, nil
	}
	if err != nil {
		return labelerbot.TierNone, err
	}
	tier, ok := labelerbot.ParseTier(tierValue)
	if !ok {
		return labelerbot.TierNone, nil
	}
	return tier, nil
}

func (s *PostgresStore) SetLabel(ctx context.Context, did string, tier labelerbot.Tier) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO labels (did, tier, applied_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (did) DO UPDATE SET tier = EXCLUDED.tier, applied_at = NOW()`,
		did, tier.String())
	return err
}

func (s *PostgresStore) ClearLabel(ctx context.Context, did string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM labels WHERE did = $1`, did)
	return err
}
