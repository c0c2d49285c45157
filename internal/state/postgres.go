package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"

	"github.com/relayhub/relay/internal/model"
	"github.com/relayhub/relay/internal/retry"
)

// OpenPostgres opens a connection pool to the Postgres state database.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PostgresRepo implements Repository on a shared Postgres database. Claim
// exclusivity uses FOR UPDATE SKIP LOCKED so multiple hub processes can run
// against the same database. Content reads go through the notification
// driven cache when it is enabled.
type PostgresRepo struct {
	db    *sql.DB
	cache *ContentCache

	now func() int64
}

// NewPostgresRepo wraps an already-opened and migrated pool. cache may be
// shared with a ChangeListener; the repo evicts through it on every content
// mutation it performs itself.
func NewPostgresRepo(db *sql.DB, cache *ContentCache) *PostgresRepo {
	return &PostgresRepo{
		db:    db,
		cache: cache,
		now:   func() int64 { return time.Now().UnixNano() },
	}
}

func (r *PostgresRepo) Close() error {
	r.cache.Close()
	return r.db.Close()
}

func (r *PostgresRepo) CacheStats() CacheStats {
	return r.cache.Stats()
}

const pgTopicColumns = `id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
	publisher_validation_url, content_hash_algorithm, is_active, is_deleted,
	content, content_type, content_hash, http_etag, http_last_modified,
	content_updated_ns, last_publish_ns, last_fetch_completed_ns,
	content_fetch_next_attempt_ns, content_fetch_attempts,
	COALESCE(fetch_claimant, '') AS fetch_claimant, fetch_claim_expires_ns`

func (r *PostgresRepo) TopicEnsure(ctx context.Context, url string, defaults model.LeaseBounds) (model.Topic, bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO topics (id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max, content_hash_algorithm)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (url) DO NOTHING`,
		uuid.NewString(), url, defaults.Preferred, defaults.Min, defaults.Max, model.DefaultHashAlgorithm)
	if err != nil {
		return model.Topic{}, false, fmt.Errorf("ensure topic %s: %w", url, err)
	}
	inserted, _ := res.RowsAffected()

	t, err := r.TopicGetByURL(ctx, url)
	if err != nil {
		return model.Topic{}, false, err
	}
	return t, inserted > 0, nil
}

func (r *PostgresRepo) TopicSeed(ctx context.Context, t model.Topic) error {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO topics (id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
			publisher_validation_url, content_hash_algorithm)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
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

func (r *PostgresRepo) TopicGetByID(ctx context.Context, id string) (model.Topic, error) {
	var t model.Topic
	err := sqlscan.Get(ctx, r.db, &t,
		`SELECT `+pgTopicColumns+` FROM topics WHERE id = $1`, id)
	if sqlscan.NotFound(err) {
		return model.Topic{}, ErrNotFound
	}
	if err != nil {
		return model.Topic{}, fmt.Errorf("get topic %s: %w", id, err)
	}
	return t, nil
}

func (r *PostgresRepo) TopicGetByURL(ctx context.Context, url string) (model.Topic, error) {
	var t model.Topic
	err := sqlscan.Get(ctx, r.db, &t,
		`SELECT `+pgTopicColumns+` FROM topics WHERE url = $1`, url)
	if sqlscan.NotFound(err) {
		return model.Topic{}, ErrNotFound
	}
	if err != nil {
		return model.Topic{}, fmt.Errorf("get topic by url %s: %w", url, err)
	}
	return t, nil
}

func (r *PostgresRepo) TopicList(ctx context.Context, limit, offset int) ([]model.Topic, error) {
	var topics []model.Topic
	err := sqlscan.Select(ctx, r.db, &topics,
		`SELECT `+pgTopicColumns+` FROM topics ORDER BY url LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return topics, nil
}

func (r *PostgresRepo) TopicFetchRequested(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE topics SET last_publish_ns = $1 WHERE id = $2`, r.now(), id)
	if err != nil {
		return fmt.Errorf("record publish for topic %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// pgFetchableWhere mirrors fetchableWhere with numbered placeholders for
// now (retry due) and now (claim expiry). A scheduled retry in the future
// blocks claiming even when a newer publish exists, so a failing origin
// keeps its backoff.
const pgFetchableWhere = `
	(last_publish_ns > last_fetch_completed_ns OR content_fetch_next_attempt_ns != 0)
	AND (content_fetch_next_attempt_ns = 0 OR content_fetch_next_attempt_ns <= %[1]s)
	AND is_deleted = FALSE
	AND (fetch_claimant IS NULL OR fetch_claim_expires_ns <= %[1]s)`

func (r *PostgresRepo) TopicFetchClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	now := r.now()
	var ids []string
	err := sqlscan.Select(ctx, r.db, &ids, `
		UPDATE topics SET fetch_claimant = $1, fetch_claim_expires_ns = $2
		WHERE id IN (
			SELECT id FROM topics
			WHERE `+fmt.Sprintf(pgFetchableWhere, "$3")+`
			LIMIT $4
			FOR UPDATE SKIP LOCKED)
		RETURNING id`,
		claimant, now+int64(leaseSeconds)*nsPerSecond, now, n)
	if err != nil {
		return nil, fmt.Errorf("claim topic fetches: %w", err)
	}
	return ids, nil
}

func (r *PostgresRepo) TopicFetchClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE topics SET fetch_claimant = $1, fetch_claim_expires_ns = $2
		WHERE id IN (
			SELECT id FROM topics
			WHERE id = $4 AND `+fmt.Sprintf(pgFetchableWhere, "$3")+`
			FOR UPDATE SKIP LOCKED)`,
		claimant, now+int64(leaseSeconds)*nsPerSecond, now, id)
	if err != nil {
		return false, fmt.Errorf("claim topic fetch %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *PostgresRepo) TopicFetchComplete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE topics SET
			last_fetch_completed_ns = $1,
			content_fetch_attempts = 0,
			content_fetch_next_attempt_ns = 0,
			fetch_claimant = NULL,
			fetch_claim_expires_ns = 0
		WHERE id = $2`, r.now(), id)
	if err != nil {
		return fmt.Errorf("complete topic fetch %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepo) TopicFetchIncomplete(ctx context.Context, id string, retryDelays []int) error {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`SELECT content_fetch_attempts FROM topics WHERE id = $1`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fail topic fetch %s: %w", id, err)
	}

	attempts++
	next := r.now() + retry.Delay(attempts, retryDelays).Nanoseconds()
	_, err = r.db.ExecContext(ctx, `
		UPDATE topics SET
			content_fetch_attempts = $1,
			content_fetch_next_attempt_ns = $2,
			fetch_claimant = NULL,
			fetch_claim_expires_ns = 0
		WHERE id = $3`, attempts, next, id)
	if err != nil {
		return fmt.Errorf("fail topic fetch %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepo) TopicStoreContent(ctx context.Context, id string, upd ContentUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store content for topic %s: %w", id, err)
	}
	defer tx.Rollback()

	now := r.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE topics SET
			content = $1, content_type = $2, content_hash = $3,
			http_etag = $4, http_last_modified = $5,
			content_updated_ns = $6, is_active = TRUE,
			last_fetch_completed_ns = $6,
			content_fetch_attempts = 0,
			content_fetch_next_attempt_ns = 0,
			fetch_claimant = NULL,
			fetch_claim_expires_ns = 0
		WHERE id = $7`,
		upd.Content, upd.ContentType, upd.ContentHash,
		upd.HTTPETag, upd.HTTPLastModified, now, id)
	if err != nil {
		return fmt.Errorf("store content for topic %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO topic_content_history (topic_id, content_updated_ns, content_size, content_hash)
		VALUES ($1, $2, $3, $4)`, id, now, len(upd.Content), upd.ContentHash)
	if err != nil {
		return fmt.Errorf("store content history for topic %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, id); err != nil {
		return fmt.Errorf("notify content change for topic %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store content for topic %s: %w", id, err)
	}
	r.cache.Evict(id)
	return nil
}

func (r *PostgresRepo) TopicMarkDeleted(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark topic %s deleted: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE topics SET
			is_deleted = TRUE,
			content = NULL, content_type = '', content_hash = '',
			http_etag = '', http_last_modified = '',
			content_updated_ns = $1,
			content_fetch_attempts = 0,
			content_fetch_next_attempt_ns = 0,
			fetch_claimant = NULL,
			fetch_claim_expires_ns = 0
		WHERE id = $2 AND is_deleted = FALSE`, r.now(), id)
	if err != nil {
		return fmt.Errorf("mark topic %s deleted: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, id); err != nil {
		return fmt.Errorf("notify content change for topic %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark topic %s deleted: %w", id, err)
	}
	r.cache.Evict(id)
	return nil
}

func (r *PostgresRepo) TopicPendingDelete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM topics
		WHERE id = $1 AND is_deleted = TRUE
			AND NOT EXISTS (SELECT 1 FROM subscriptions WHERE topic_id = topics.id)`, id)
	if err != nil {
		return false, fmt.Errorf("delete topic %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.cache.Evict(id)
	}
	return n > 0, nil
}

func (r *PostgresRepo) TopicDeleteExpiredSubscriptions(ctx context.Context, topicID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE topic_id = $1 AND expires_at_ns <= $2`, topicID, r.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired subscriptions for topic %s: %w", topicID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *PostgresRepo) TopicContent(ctx context.Context, id string) (model.TopicContent, error) {
	if tc, ok := r.cache.Get(id); ok {
		return tc, nil
	}

	var tc model.TopicContent
	err := sqlscan.Get(ctx, r.db, &tc, `
		SELECT id AS topic_id, url, is_deleted, content, content_type, content_updated_ns
		FROM topics WHERE id = $1`, id)
	if sqlscan.NotFound(err) {
		return model.TopicContent{}, ErrNotFound
	}
	if err != nil {
		return model.TopicContent{}, fmt.Errorf("get content for topic %s: %w", id, err)
	}

	r.cache.Put(tc)
	return tc, nil
}

func (r *PostgresRepo) TopicContentHistoryList(ctx context.Context, topicID string, limit int) ([]model.TopicContentHistory, error) {
	var hist []model.TopicContentHistory
	err := sqlscan.Select(ctx, r.db, &hist, `
		SELECT topic_id, content_updated_ns, content_size, content_hash
		FROM topic_content_history
		WHERE topic_id = $1
		ORDER BY content_updated_ns DESC
		LIMIT $2`, topicID, limit)
	if err != nil {
		return nil, fmt.Errorf("list content history for topic %s: %w", topicID, err)
	}
	return hist, nil
}

func (r *PostgresRepo) TopicContentHistoryPrune(ctx context.Context, retain int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM topic_content_history WHERE ctid IN (
			SELECT ctid FROM (
				SELECT ctid, ROW_NUMBER() OVER (
					PARTITION BY topic_id ORDER BY content_updated_ns DESC) AS rn
				FROM topic_content_history
			) ranked WHERE rn > $1
		)`, retain)
	if err != nil {
		return 0, fmt.Errorf("prune content history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *PostgresRepo) TopicsPendingDeleteSweep(ctx context.Context) (int, error) {
	var ids []string
	err := sqlscan.Select(ctx, r.db, &ids, `
		DELETE FROM topics
		WHERE is_deleted = TRUE
			AND NOT EXISTS (SELECT 1 FROM subscriptions WHERE topic_id = topics.id)
		RETURNING id`)
	if err != nil {
		return 0, fmt.Errorf("sweep deleted topics: %w", err)
	}
	for _, id := range ids {
		r.cache.Evict(id)
	}
	return len(ids), nil
}

const pgSubscriptionColumns = `id, topic_id, callback, verified_at_ns, expires_at_ns,
	secret, signature_algorithm, latest_content_delivered_ns,
	delivery_attempts, delivery_next_attempt_ns,
	COALESCE(delivery_claimant, '') AS delivery_claimant, delivery_claim_expires_ns`

func (r *PostgresRepo) SubscriptionGetByID(ctx context.Context, id string) (model.Subscription, error) {
	var s model.Subscription
	err := sqlscan.Get(ctx, r.db, &s,
		`SELECT `+pgSubscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	if sqlscan.NotFound(err) {
		return model.Subscription{}, ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return s, nil
}

func (r *PostgresRepo) SubscriptionGetByPair(ctx context.Context, callback, topicID string) (model.Subscription, error) {
	var s model.Subscription
	err := sqlscan.Get(ctx, r.db, &s,
		`SELECT `+pgSubscriptionColumns+` FROM subscriptions WHERE callback = $1 AND topic_id = $2`,
		callback, topicID)
	if sqlscan.NotFound(err) {
		return model.Subscription{}, ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("get subscription for %s on %s: %w", callback, topicID, err)
	}
	return s, nil
}

func (r *PostgresRepo) SubscriptionListByTopic(ctx context.Context, topicID string) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := sqlscan.Select(ctx, r.db, &subs,
		`SELECT `+pgSubscriptionColumns+` FROM subscriptions WHERE topic_id = $1 ORDER BY callback`, topicID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for topic %s: %w", topicID, err)
	}
	return subs, nil
}

func (r *PostgresRepo) SubscriptionsExpiredSweep(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE expires_at_ns <= $1`, r.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// pgDeliverableWhere mirrors deliverableWhere; %[1]s is now.
const pgDeliverableWhere = `
	s.expires_at_ns > %[1]s
	AND t.content_updated_ns != 0
	AND s.latest_content_delivered_ns < t.content_updated_ns
	AND s.delivery_next_attempt_ns <= %[1]s
	AND (s.delivery_claimant IS NULL OR s.delivery_claim_expires_ns <= %[1]s)`

func (r *PostgresRepo) SubscriptionDeliveryClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	now := r.now()
	var ids []string
	err := sqlscan.Select(ctx, r.db, &ids, `
		UPDATE subscriptions SET delivery_claimant = $1, delivery_claim_expires_ns = $2
		WHERE id IN (
			SELECT s.id FROM subscriptions s
			JOIN topics t ON t.id = s.topic_id
			WHERE `+fmt.Sprintf(pgDeliverableWhere, "$3")+`
			LIMIT $4
			FOR UPDATE OF s SKIP LOCKED)
		RETURNING id`,
		claimant, now+int64(leaseSeconds)*nsPerSecond, now, n)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	return ids, nil
}

func (r *PostgresRepo) SubscriptionDeliveryClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET delivery_claimant = $1, delivery_claim_expires_ns = $2
		WHERE id IN (
			SELECT s.id FROM subscriptions s
			JOIN topics t ON t.id = s.topic_id
			WHERE s.id = $4 AND `+fmt.Sprintf(pgDeliverableWhere, "$3")+`
			FOR UPDATE OF s SKIP LOCKED)`,
		claimant, now+int64(leaseSeconds)*nsPerSecond, now, id)
	if err != nil {
		return false, fmt.Errorf("claim delivery %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *PostgresRepo) SubscriptionDeliveryComplete(ctx context.Context, id string, deliveredVersionNs int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			latest_content_delivered_ns = GREATEST(latest_content_delivered_ns, $1),
			delivery_attempts = 0,
			delivery_next_attempt_ns = 0,
			delivery_claimant = NULL,
			delivery_claim_expires_ns = 0
		WHERE id = $2`, deliveredVersionNs, id)
	if err != nil {
		return fmt.Errorf("complete delivery %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepo) SubscriptionDeliveryIncomplete(ctx context.Context, id string, retryDelays []int) error {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`SELECT delivery_attempts FROM subscriptions WHERE id = $1`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fail delivery %s: %w", id, err)
	}

	attempts++
	next := r.now() + retry.Delay(attempts, retryDelays).Nanoseconds()
	_, err = r.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			delivery_attempts = $1,
			delivery_next_attempt_ns = $2,
			delivery_claimant = NULL,
			delivery_claim_expires_ns = 0
		WHERE id = $3`, attempts, next, id)
	if err != nil {
		return fmt.Errorf("fail delivery %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepo) SubscriptionDeliveryGone(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("drop gone subscription %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepo) SubscriptionDeliveryDenied(ctx context.Context, id, reason string) error {
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
		WHERE s.id = $1`, id).Scan(&callback, &topicID, &contentUpdatedNs)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deny delivery %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO verifications (id, topic_id, callback, mode, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), topicID, callback, model.ModeDenied, reason)
	if err != nil {
		return fmt.Errorf("deny delivery %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			latest_content_delivered_ns = GREATEST(latest_content_delivered_ns, $1),
			delivery_attempts = 0,
			delivery_next_attempt_ns = 0,
			delivery_claimant = NULL,
			delivery_claim_expires_ns = 0
		WHERE id = $2`, contentUpdatedNs, id)
	if err != nil {
		return fmt.Errorf("deny delivery %s: %w", id, err)
	}

	return tx.Commit()
}

const pgVerificationColumns = `id, topic_id, callback, mode, lease_seconds,
	secret, signature_algorithm, is_publisher_validated, reason,
	attempts, next_attempt_ns,
	COALESCE(claimant, '') AS claimant, claim_expires_ns, request_id`

func (r *PostgresRepo) VerificationCreate(ctx context.Context, v model.Verification) (string, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.SignatureAlgorithm == "" {
		v.SignatureAlgorithm = model.DefaultHashAlgorithm
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verifications (id, topic_id, callback, mode, lease_seconds,
			secret, signature_algorithm, is_publisher_validated, reason, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.TopicID, v.Callback, v.Mode, v.LeaseSeconds,
		v.Secret, v.SignatureAlgorithm, v.IsPublisherValidated, v.Reason, v.RequestID)
	if err != nil {
		return "", fmt.Errorf("create verification for %s on %s: %w", v.Callback, v.TopicID, err)
	}
	return v.ID, nil
}

func (r *PostgresRepo) VerificationGetByID(ctx context.Context, id string) (model.Verification, error) {
	var v model.Verification
	err := sqlscan.Get(ctx, r.db, &v,
		`SELECT `+pgVerificationColumns+` FROM verifications WHERE id = $1`, id)
	if sqlscan.NotFound(err) {
		return model.Verification{}, ErrNotFound
	}
	if err != nil {
		return model.Verification{}, fmt.Errorf("get verification %s: %w", id, err)
	}
	return v, nil
}

func (r *PostgresRepo) VerificationUpdate(ctx context.Context, v model.Verification) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE verifications SET
			mode = $1, lease_seconds = $2, secret = $3, signature_algorithm = $4,
			is_publisher_validated = $5, reason = $6
		WHERE id = $7`,
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

// pgProcessableWhere mirrors processableWhere; %[1]s is now.
const pgProcessableWhere = `
	v.next_attempt_ns <= %[1]s
	AND t.is_active = TRUE
	AND (v.claimant IS NULL OR v.claim_expires_ns <= %[1]s)`

func (r *PostgresRepo) VerificationClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	now := r.now()
	var ids []string
	err := sqlscan.Select(ctx, r.db, &ids, `
		UPDATE verifications SET claimant = $1, claim_expires_ns = $2
		WHERE id IN (
			SELECT v.id FROM verifications v
			JOIN topics t ON t.id = v.topic_id
			WHERE `+fmt.Sprintf(pgProcessableWhere, "$3")+`
			LIMIT $4
			FOR UPDATE OF v SKIP LOCKED)
		RETURNING id`,
		claimant, now+int64(leaseSeconds)*nsPerSecond, now, n)
	if err != nil {
		return nil, fmt.Errorf("claim verifications: %w", err)
	}
	return ids, nil
}

func (r *PostgresRepo) VerificationClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE verifications SET claimant = $1, claim_expires_ns = $2
		WHERE id IN (
			SELECT v.id FROM verifications v
			JOIN topics t ON t.id = v.topic_id
			WHERE v.id = $4 AND `+fmt.Sprintf(pgProcessableWhere, "$3")+`
			FOR UPDATE OF v SKIP LOCKED)`,
		claimant, now+int64(leaseSeconds)*nsPerSecond, now, id)
	if err != nil {
		return false, fmt.Errorf("claim verification %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *PostgresRepo) VerificationComplete(ctx context.Context, id, callback, topicID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM verifications WHERE callback = $1 AND topic_id = $2`, callback, topicID)
	if err != nil {
		return fmt.Errorf("complete verification %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepo) VerificationCompleteSubscribe(ctx context.Context, v model.Verification) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete subscribe for %s on %s: %w", v.Callback, v.TopicID, err)
	}
	defer tx.Rollback()

	var contentUpdatedNs int64
	err = tx.QueryRowContext(ctx,
		`SELECT content_updated_ns FROM topics WHERE id = $1`, v.TopicID).Scan(&contentUpdatedNs)
	if err == sql.ErrNoRows {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
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
		`DELETE FROM verifications WHERE callback = $1 AND topic_id = $2`, v.Callback, v.TopicID)
	if err != nil {
		return fmt.Errorf("complete subscribe for %s on %s: %w", v.Callback, v.TopicID, err)
	}

	return tx.Commit()
}

func (r *PostgresRepo) VerificationCompleteRemove(ctx context.Context, v model.Verification) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete removal for %s on %s: %w", v.Callback, v.TopicID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE callback = $1 AND topic_id = $2`, v.Callback, v.TopicID)
	if err != nil {
		return fmt.Errorf("complete removal for %s on %s: %w", v.Callback, v.TopicID, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM verifications WHERE callback = $1 AND topic_id = $2`, v.Callback, v.TopicID)
	if err != nil {
		return fmt.Errorf("complete removal for %s on %s: %w", v.Callback, v.TopicID, err)
	}

	return tx.Commit()
}

func (r *PostgresRepo) VerificationIncomplete(ctx context.Context, id string, retryDelays []int) error {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`SELECT attempts FROM verifications WHERE id = $1`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fail verification %s: %w", id, err)
	}

	attempts++
	next := r.now() + retry.Delay(attempts, retryDelays).Nanoseconds()
	_, err = r.db.ExecContext(ctx, `
		UPDATE verifications SET
			attempts = $1,
			next_attempt_ns = $2,
			claimant = NULL,
			claim_expires_ns = 0
		WHERE id = $3`, attempts, next, id)
	if err != nil {
		return fmt.Errorf("fail verification %s: %w", id, err)
	}
	return nil
}
