package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/relayhub/relay/internal/model"
	"github.com/relayhub/relay/internal/retry"
)

const nsPerSecond = int64(time.Second)

// OpenSQLite opens (or creates) the SQLite state database at path with WAL
// journal mode, synchronous=NORMAL, foreign_keys=ON, busy_timeout=5000.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// SQLiteRepo implements Repository on a single-writer SQLite database.
// Claim exclusivity rests on conditional updates running on the one
// connection the pool hands out.
type SQLiteRepo struct {
	db *sql.DB

	// now is swappable in tests.
	now func() int64
}

// NewSQLiteRepo wraps an already-opened and migrated database.
func NewSQLiteRepo(db *sql.DB) *SQLiteRepo {
	return &SQLiteRepo{
		db:  db,
		now: func() int64 { return time.Now().UnixNano() },
	}
}

func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

// CacheStats reports a disabled cache: the SQLite back-end serves content
// straight from the single local connection.
func (r *SQLiteRepo) CacheStats() CacheStats {
	return CacheStats{Enabled: false}
}

const topicColumns = `id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
	publisher_validation_url, content_hash_algorithm, is_active, is_deleted,
	content, content_type, content_hash, http_etag, http_last_modified,
	content_updated_ns, last_publish_ns, last_fetch_completed_ns,
	content_fetch_next_attempt_ns, content_fetch_attempts,
	fetch_claimant, fetch_claim_expires_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTopic(row rowScanner) (model.Topic, error) {
	var t model.Topic
	var claimant sql.NullString
	err := row.Scan(
		&t.ID, &t.URL, &t.LeaseSecondsPreferred, &t.LeaseSecondsMin, &t.LeaseSecondsMax,
		&t.PublisherValidationURL, &t.ContentHashAlgorithm, &t.IsActive, &t.IsDeleted,
		&t.Content, &t.ContentType, &t.ContentHash, &t.HTTPETag, &t.HTTPLastModified,
		&t.ContentUpdatedNs, &t.LastPublishNs, &t.LastFetchCompletedNs,
		&t.ContentFetchNextAttemptNs, &t.ContentFetchAttempts,
		&claimant, &t.FetchClaimExpireNs,
	)
	if err != nil {
		return model.Topic{}, err
	}
	t.FetchClaimant = claimant.String
	return t, nil
}

func (r *SQLiteRepo) TopicEnsure(ctx context.Context, url string, defaults model.LeaseBounds) (model.Topic, bool, error) {
	t, err := r.TopicGetByURL(ctx, url)
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Topic{}, false, err
	}

	t = model.Topic{
		ID:                    uuid.NewString(),
		URL:                   url,
		LeaseSecondsPreferred: defaults.Preferred,
		LeaseSecondsMin:       defaults.Min,
		LeaseSecondsMax:       defaults.Max,
		ContentHashAlgorithm:  model.DefaultHashAlgorithm,
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO topics (id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max, content_hash_algorithm)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.URL, t.LeaseSecondsPreferred, t.LeaseSecondsMin, t.LeaseSecondsMax, t.ContentHashAlgorithm)
	if err != nil {
		return model.Topic{}, false, fmt.Errorf("ensure topic %s: %w", url, err)
	}
	return t, true, nil
}

func (r *SQLiteRepo) TopicSeed(ctx context.Context, t model.Topic) error {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO topics (id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
			publisher_validation_url, content_hash_algorithm)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			lease_seconds_preferred = excluded.lease_seconds_preferred,
			lease_seconds_min = excluded.lease_seconds_min,
			lease_seconds_max = excluded.lease_seconds_max,
			publisher_validation_url = excluded.publisher_validation_url,
			content_hash_algorithm = excluded.content_hash_algorithm`,
		id, t.URL, t.LeaseSecondsPreferred, t.LeaseSecondsMin, t.LeaseSecondsMax,
		t.PublisherValidationURL, t.ContentHashAlgorithm)
	if err != nil {
		return fmt.Errorf("seed topic %s: %w", t.URL, err)
	}
	return nil
}

func (r *SQLiteRepo) TopicGetByID(ctx context.Context, id string) (model.Topic, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topics WHERE id = ?`, id)
	t, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Topic{}, ErrNotFound
	}
	if err != nil {
		return model.Topic{}, fmt.Errorf("get topic %s: %w", id, err)
	}
	return t, nil
}

func (r *SQLiteRepo) TopicGetByURL(ctx context.Context, url string) (model.Topic, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topics WHERE url = ?`, url)
	t, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Topic{}, ErrNotFound
	}
	if err != nil {
		return model.Topic{}, fmt.Errorf("get topic by url %s: %w", url, err)
	}
	return t, nil
}

func (r *SQLiteRepo) TopicList(ctx context.Context, limit, offset int) ([]model.Topic, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+topicColumns+` FROM topics ORDER BY url LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var topics []model.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("list topics: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func (r *SQLiteRepo) TopicFetchRequested(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE topics SET last_publish_ns = ? WHERE id = ?`, r.now(), id)
	if err != nil {
		return fmt.Errorf("record publish for topic %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// fetchableWhere selects topics with undelivered publishes or a pending
// retry. A scheduled retry in the future blocks claiming even when a newer
// publish exists, so a failing origin keeps its backoff.
// Placeholders: now (retry due), now (claim expiry).
const fetchableWhere = `
	(last_publish_ns > last_fetch_completed_ns OR content_fetch_next_attempt_ns != 0)
	AND (content_fetch_next_attempt_ns = 0 OR content_fetch_next_attempt_ns <= ?)
	AND is_deleted = 0
	AND (fetch_claimant IS NULL OR fetch_claim_expires_ns <= ?)`

func (r *SQLiteRepo) TopicFetchClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	now := r.now()
	rows, err := r.db.QueryContext(ctx, `
		UPDATE topics SET fetch_claimant = ?, fetch_claim_expires_ns = ?
		WHERE id IN (SELECT id FROM topics WHERE `+fetchableWhere+` LIMIT ?)
		RETURNING id`,
		claimant, now+int64(leaseSeconds)*nsPerSecond, now, now, n)
	if err != nil {
		return nil, fmt.Errorf("claim topic fetches: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (r *SQLiteRepo) TopicFetchClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE topics SET fetch_claimant = ?, fetch_claim_expires_ns = ?
		WHERE id = ? AND `+fetchableWhere,
		claimant, now+int64(leaseSeconds)*nsPerSecond, id, now, now)
	if err != nil {
		return false, fmt.Errorf("claim topic fetch %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteRepo) TopicFetchComplete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE topics SET
			last_fetch_completed_ns = ?,
			content_fetch_attempts = 0,
			content_fetch_next_attempt_ns = 0,
			fetch_claimant = NULL,
			fetch_claim_expires_ns = 0
		WHERE id = ?`, r.now(), id)
	if err != nil {
		return fmt.Errorf("complete topic fetch %s: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepo) TopicFetchIncomplete(ctx context.Context, id string, retryDelays []int) error {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`SELECT content_fetch_attempts FROM topics WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fail topic fetch %s: %w", id, err)
	}

	attempts++
	next := r.now() + retry.Delay(attempts, retryDelays).Nanoseconds()
	_, err = r.db.ExecContext(ctx, `
		UPDATE topics SET
			content_fetch_attempts = ?,
			content_fetch_next_attempt_ns = ?,
			fetch_claimant = NULL,
			fetch_claim_expires_ns = 0
		WHERE id = ?`, attempts, next, id)
	if err != nil {
		return fmt.Errorf("fail topic fetch %s: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepo) TopicStoreContent(ctx context.Context, id string, upd ContentUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store content for topic %s: %w", id, err)
	}
	defer tx.Rollback()

	now := r.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE topics SET
			content = ?, content_type = ?, content_hash = ?,
			http_etag = ?, http_last_modified = ?,
			content_updated_ns = ?, is_active = 1,
			last_fetch_completed_ns = ?,
			content_fetch_attempts = 0,
			content_fetch_next_attempt_ns = 0,
			fetch_claimant = NULL,
			fetch_claim_expires_ns = 0
		WHERE id = ?`,
		upd.Content, upd.ContentType, upd.ContentHash,
		upd.HTTPETag, upd.HTTPLastModified, now, now, id)
	if err != nil {
		return fmt.Errorf("store content for topic %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO topic_content_history (topic_id, content_updated_ns, content_size, content_hash)
		VALUES (?, ?, ?, ?)`, id, now, len(upd.Content), upd.ContentHash)
	if err != nil {
		return fmt.Errorf("store content history for topic %s: %w", id, err)
	}

	return tx.Commit()
}

func (r *SQLiteRepo) TopicMarkDeleted(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE topics SET
			is_deleted = 1,
			content = NULL, content_type = '', content_hash = '',
			http_etag = '', http_last_modified = '',
			content_updated_ns = ?,
			content_fetch_attempts = 0,
			content_fetch_next_attempt_ns = 0,
			fetch_claimant = NULL,
			fetch_claim_expires_ns = 0
		WHERE id = ? AND is_deleted = 0`, r.now(), id)
	if err != nil {
		return fmt.Errorf("mark topic %s deleted: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepo) TopicPendingDelete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM topics
		WHERE id = ? AND is_deleted = 1
			AND NOT EXISTS (SELECT 1 FROM subscriptions WHERE topic_id = topics.id)`, id)
	if err != nil {
		return false, fmt.Errorf("delete topic %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SQLiteRepo) TopicDeleteExpiredSubscriptions(ctx context.Context, topicID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE topic_id = ? AND expires_at_ns <= ?`, topicID, r.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired subscriptions for topic %s: %w", topicID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLiteRepo) TopicContent(ctx context.Context, id string) (model.TopicContent, error) {
	var tc model.TopicContent
	err := r.db.QueryRowContext(ctx, `
		SELECT id, url, is_deleted, content, content_type, content_updated_ns
		FROM topics WHERE id = ?`, id).
		Scan(&tc.TopicID, &tc.URL, &tc.IsDeleted, &tc.Content, &tc.ContentType, &tc.ContentUpdatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TopicContent{}, ErrNotFound
	}
	if err != nil {
		return model.TopicContent{}, fmt.Errorf("get content for topic %s: %w", id, err)
	}
	return tc, nil
}

func (r *SQLiteRepo) TopicContentHistoryList(ctx context.Context, topicID string, limit int) ([]model.TopicContentHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT topic_id, content_updated_ns, content_size, content_hash
		FROM topic_content_history
		WHERE topic_id = ?
		ORDER BY content_updated_ns DESC
		LIMIT ?`, topicID, limit)
	if err != nil {
		return nil, fmt.Errorf("list content history for topic %s: %w", topicID, err)
	}
	defer rows.Close()

	var hist []model.TopicContentHistory
	for rows.Next() {
		var h model.TopicContentHistory
		if err := rows.Scan(&h.TopicID, &h.ContentUpdatedNs, &h.ContentSize, &h.ContentHash); err != nil {
			return nil, fmt.Errorf("list content history for topic %s: %w", topicID, err)
		}
		hist = append(hist, h)
	}
	return hist, rows.Err()
}

func (r *SQLiteRepo) TopicContentHistoryPrune(ctx context.Context, retain int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM topic_content_history WHERE rowid IN (
			SELECT rowid FROM (
				SELECT rowid, ROW_NUMBER() OVER (
					PARTITION BY topic_id ORDER BY content_updated_ns DESC) AS rn
				FROM topic_content_history
			) WHERE rn > ?
		)`, retain)
	if err != nil {
		return 0, fmt.Errorf("prune content history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLiteRepo) TopicsPendingDeleteSweep(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM topics
		WHERE is_deleted = 1
			AND NOT EXISTS (SELECT 1 FROM subscriptions WHERE topic_id = topics.id)`)
	if err != nil {
		return 0, fmt.Errorf("sweep deleted topics: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const subscriptionColumns = `id, topic_id, callback, verified_at_ns, expires_at_ns,
	secret, signature_algorithm, latest_content_delivered_ns,
	delivery_attempts, delivery_next_attempt_ns,
	delivery_claimant, delivery_claim_expires_ns`

func scanSubscription(row rowScanner) (model.Subscription, error) {
	var s model.Subscription
	var claimant sql.NullString
	err := row.Scan(
		&s.ID, &s.TopicID, &s.Callback, &s.VerifiedAtNs, &s.ExpiresAtNs,
		&s.Secret, &s.SignatureAlgorithm, &s.LatestContentDeliveredNs,
		&s.DeliveryAttempts, &s.DeliveryNextAttemptNs,
		&claimant, &s.DeliveryClaimExpireNs,
	)
	if err != nil {
		return model.Subscription{}, err
	}
	s.DeliveryClaimant = claimant.String
	return s, nil
}

func (r *SQLiteRepo) SubscriptionGetByID(ctx context.Context, id string) (model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return s, nil
}

func (r *SQLiteRepo) SubscriptionGetByPair(ctx context.Context, callback, topicID string) (model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE callback = ? AND topic_id = ?`,
		callback, topicID)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("get subscription for %s on %s: %w", callback, topicID, err)
	}
	return s, nil
}

func (r *SQLiteRepo) SubscriptionListByTopic(ctx context.Context, topicID string) ([]model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE topic_id = ? ORDER BY callback`, topicID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for topic %s: %w", topicID, err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions for topic %s: %w", topicID, err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (r *SQLiteRepo) SubscriptionsExpiredSweep(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE expires_at_ns <= ?`, r.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// deliverableWhere selects live subscriptions behind their topic's content
// version. Deleted topics stay deliverable so the final notice goes out.
// Placeholders: now (expiry), now (retry due), now (claim expiry).
const deliverableWhere = `
	s.expires_at_ns > ?
	AND t.content_updated_ns != 0
	AND s.latest_content_delivered_ns < t.content_updated_ns
	AND s.delivery_next_attempt_ns <= ?
	AND (s.delivery_claimant IS NULL OR s.delivery_claim_expires_ns <= ?)`

func (r *SQLiteRepo) SubscriptionDeliveryClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	now := r.now()
	rows, err := r.db.QueryContext(ctx, `
		UPDATE subscriptions SET delivery_claimant = ?, delivery_claim_expires_ns = ?
		WHERE id IN (
			SELECT s.id FROM subscriptions s
			JOIN topics t ON t.id = s.topic_id
			WHERE `+deliverableWhere+`
			LIMIT ?)
		RETURNING id`,
		claimant, now+int64(leaseSeconds)*nsPerSecond, now, now, now, n)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (r *SQLiteRepo) SubscriptionDeliveryClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET delivery_claimant = ?, delivery_claim_expires_ns = ?
		WHERE id IN (
			SELECT s.id FROM subscriptions s
			JOIN topics t ON t.id = s.topic_id
			WHERE s.id = ? AND `+deliverableWhere+`)`,
		claimant, now+int64(leaseSeconds)*nsPerSecond, id, now, now, now)
	if err != nil {
		return false, fmt.Errorf("claim delivery %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteRepo) SubscriptionDeliveryComplete(ctx context.Context, id string, deliveredVersionNs int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			latest_content_delivered_ns = MAX(latest_content_delivered_ns, ?),
			delivery_attempts = 0,
			delivery_next_attempt_ns = 0,
			delivery_claimant = NULL,
			delivery_claim_expires_ns = 0
		WHERE id = ?`, deliveredVersionNs, id)
	if err != nil {
		return fmt.Errorf("complete delivery %s: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepo) SubscriptionDeliveryIncomplete(ctx context.Context, id string, retryDelays []int) error {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`SELECT delivery_attempts FROM subscriptions WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fail delivery %s: %w", id, err)
	}

	attempts++
	next := r.now() + retry.Delay(attempts, retryDelays).Nanoseconds()
	_, err = r.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			delivery_attempts = ?,
			delivery_next_attempt_ns = ?,
			delivery_claimant = NULL,
			delivery_claim_expires_ns = 0
		WHERE id = ?`, attempts, next, id)
	if err != nil {
		return fmt.Errorf("fail delivery %s: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepo) SubscriptionDeliveryGone(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("drop gone subscription %s: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepo) SubscriptionDeliveryDenied(ctx context.Context, id, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deny delivery %s: %w", id, err)
	}
	defer tx.Rollback()

	var callback, topicID string
	var contentUpdatedNs int64
	err = tx.QueryRowContext(ctx, `
		SELECT s.callback, s.topic_id, t.content_updated_ns
		FROM subscriptions s JOIN topics t ON t.id = s.topic_id
		WHERE s.id = ?`, id).Scan(&callback, &topicID, &contentUpdatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deny delivery %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO verifications (id, topic_id, callback, mode, reason)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), topicID, callback, model.ModeDenied, reason)
	if err != nil {
		return fmt.Errorf("deny delivery %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			latest_content_delivered_ns = MAX(latest_content_delivered_ns, ?),
			delivery_attempts = 0,
			delivery_next_attempt_ns = 0,
			delivery_claimant = NULL,
			delivery_claim_expires_ns = 0
		WHERE id = ?`, contentUpdatedNs, id)
	if err != nil {
		return fmt.Errorf("deny delivery %s: %w", id, err)
	}

	return tx.Commit()
}

const verificationColumns = `id, topic_id, callback, mode, lease_seconds,
	secret, signature_algorithm, is_publisher_validated, reason,
	attempts, next_attempt_ns, claimant, claim_expires_ns, request_id`

func scanVerification(row rowScanner) (model.Verification, error) {
	var v model.Verification
	var claimant sql.NullString
	err := row.Scan(
		&v.ID, &v.TopicID, &v.Callback, &v.Mode, &v.LeaseSeconds,
		&v.Secret, &v.SignatureAlgorithm, &v.IsPublisherValidated, &v.Reason,
		&v.Attempts, &v.NextAttemptNs, &claimant, &v.ClaimExpireNs, &v.RequestID,
	)
	if err != nil {
		return model.Verification{}, err
	}
	v.Claimant = claimant.String
	return v, nil
}

func (r *SQLiteRepo) VerificationCreate(ctx context.Context, v model.Verification) (string, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.SignatureAlgorithm == "" {
		v.SignatureAlgorithm = model.DefaultHashAlgorithm
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verifications (id, topic_id, callback, mode, lease_seconds,
			secret, signature_algorithm, is_publisher_validated, reason, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TopicID, v.Callback, v.Mode, v.LeaseSeconds,
		v.Secret, v.SignatureAlgorithm, v.IsPublisherValidated, v.Reason, v.RequestID)
	if err != nil {
		return "", fmt.Errorf("create verification for %s on %s: %w", v.Callback, v.TopicID, err)
	}
	return v.ID, nil
}

func (r *SQLiteRepo) VerificationGetByID(ctx context.Context, id string) (model.Verification, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+verificationColumns+` FROM verifications WHERE id = ?`, id)
	v, err := scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Verification{}, ErrNotFound
	}
	if err != nil {
		return model.Verification{}, fmt.Errorf("get verification %s: %w", id, err)
	}
	return v, nil
}

func (r *SQLiteRepo) VerificationUpdate(ctx context.Context, v model.Verification) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE verifications SET
			mode = ?, lease_seconds = ?, secret = ?, signature_algorithm = ?,
			is_publisher_validated = ?, reason = ?
		WHERE id = ?`,
		v.Mode, v.LeaseSeconds, v.Secret, v.SignatureAlgorithm,
		v.IsPublisherValidated, v.Reason, v.ID)
	if err != nil {
		return fmt.Errorf("update verification %s: %w", v.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// processableWhere selects due verifications on active topics.
// Placeholders: now (retry due), now (claim expiry).
const processableWhere = `
	v.next_attempt_ns <= ?
	AND t.is_active = 1
	AND (v.claimant IS NULL OR v.claim_expires_ns <= ?)`

func (r *SQLiteRepo) VerificationClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	now := r.now()
	rows, err := r.db.QueryContext(ctx, `
		UPDATE verifications SET claimant = ?, claim_expires_ns = ?
		WHERE id IN (
			SELECT v.id FROM verifications v
			JOIN topics t ON t.id = v.topic_id
			WHERE `+processableWhere+`
			LIMIT ?)
		RETURNING id`,
		claimant, now+int64(leaseSeconds)*nsPerSecond, now, now, n)
	if err != nil {
		return nil, fmt.Errorf("claim verifications: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (r *SQLiteRepo) VerificationClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE verifications SET claimant = ?, claim_expires_ns = ?
		WHERE id IN (
			SELECT v.id FROM verifications v
			JOIN topics t ON t.id = v.topic_id
			WHERE v.id = ? AND `+processableWhere+`)`,
		claimant, now+int64(leaseSeconds)*nsPerSecond, id, now, now)
	if err != nil {
		return false, fmt.Errorf("claim verification %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteRepo) VerificationComplete(ctx context.Context, id, callback, topicID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM verifications WHERE callback = ? AND topic_id = ?`, callback, topicID)
	if err != nil {
		return fmt.Errorf("complete verification %s: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepo) VerificationCompleteSubscribe(ctx context.Context, v model.Verification) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete subscribe for %s on %s: %w", v.Callback, v.TopicID, err)
	}
	defer tx.Rollback()

	var contentUpdatedNs int64
	err = tx.QueryRowContext(ctx,
		`SELECT content_updated_ns FROM topics WHERE id = ?`, v.TopicID).Scan(&contentUpdatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("complete subscribe for %s on %s: %w", v.Callback, v.TopicID, err)
	}

	now := r.now()
	// New subscriptions start at the current content version: only publishes
	// after verification are delivered. Renewals keep their delivery state.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (id, topic_id, callback, verified_at_ns, expires_at_ns,
			secret, signature_algorithm, latest_content_delivered_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (callback, topic_id) DO UPDATE SET
			verified_at_ns = excluded.verified_at_ns,
			expires_at_ns = excluded.expires_at_ns,
			secret = excluded.secret,
			signature_algorithm = excluded.signature_algorithm`,
		uuid.NewString(), v.TopicID, v.Callback, now,
		now+int64(v.LeaseSeconds)*nsPerSecond,
		v.Secret, v.SignatureAlgorithm, contentUpdatedNs)
	if err != nil {
		return fmt.Errorf("complete subscribe for %s on %s: %w", v.Callback, v.TopicID, err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM verifications WHERE callback = ? AND topic_id = ?`, v.Callback, v.TopicID)
	if err != nil {
		return fmt.Errorf("complete subscribe for %s on %s: %w", v.Callback, v.TopicID, err)
	}

	return tx.Commit()
}

func (r *SQLiteRepo) VerificationCompleteRemove(ctx context.Context, v model.Verification) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete removal for %s on %s: %w", v.Callback, v.TopicID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE callback = ? AND topic_id = ?`, v.Callback, v.TopicID)
	if err != nil {
		return fmt.Errorf("complete removal for %s on %s: %w", v.Callback, v.TopicID, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM verifications WHERE callback = ? AND topic_id = ?`, v.Callback, v.TopicID)
	if err != nil {
		return fmt.Errorf("complete removal for %s on %s: %w", v.Callback, v.TopicID, err)
	}

	return tx.Commit()
}

func (r *SQLiteRepo) VerificationIncomplete(ctx context.Context, id string, retryDelays []int) error {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`SELECT attempts FROM verifications WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fail verification %s: %w", id, err)
	}

	attempts++
	next := r.now() + retry.Delay(attempts, retryDelays).Nanoseconds()
	_, err = r.db.ExecContext(ctx, `
		UPDATE verifications SET
			attempts = ?,
			next_attempt_ns = ?,
			claimant = NULL,
			claim_expires_ns = 0
		WHERE id = ?`, attempts, next, id)
	if err != nil {
		return fmt.Errorf("fail verification %s: %w", id, err)
	}
	return nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimed id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
