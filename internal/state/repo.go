// Package state implements the persistence layer: the Repository interface,
// the SQLite and Postgres back-ends, schema migrations, and the notification
// driven content cache.
package state

import (
	"context"
	"errors"

	"github.com/relayhub/relay/internal/model"
)

// ErrNotFound is returned when a row referenced by id or key does not exist.
var ErrNotFound = errors.New("state: not found")

// ContentUpdate carries the result of a successful topic fetch.
type ContentUpdate struct {
	Content          []byte
	ContentType      string
	ContentHash      string
	HTTPETag         string
	HTTPLastModified string
}

// CacheStats is an observability snapshot of the content cache.
type CacheStats struct {
	Enabled   bool   `json:"enabled"`
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Repository is the storage contract the work engine runs against.
// Implementations must make every composite operation atomic, and claim
// operations must guarantee that no two claimants win the same row while a
// claim lease is live.
type Repository interface {
	// --- topics ---

	// TopicEnsure resolves url to a topic, creating it with the given lease
	// defaults when absent. Returns the topic and whether it was created.
	TopicEnsure(ctx context.Context, url string, defaults model.LeaseBounds) (model.Topic, bool, error)
	// TopicSeed upserts a pre-registered topic's lease window, publisher
	// validation URL, and hash algorithm without touching fetch state.
	TopicSeed(ctx context.Context, t model.Topic) error
	TopicGetByID(ctx context.Context, id string) (model.Topic, error)
	TopicGetByURL(ctx context.Context, url string) (model.Topic, error)
	TopicList(ctx context.Context, limit, offset int) ([]model.Topic, error)

	// TopicFetchRequested records a publish announcement, making the topic
	// fetchable.
	TopicFetchRequested(ctx context.Context, id string) error
	TopicFetchClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error)
	TopicFetchClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) (bool, error)
	// TopicFetchComplete clears the claim and resets attempt state without
	// touching content (used for unchanged and 304 outcomes).
	TopicFetchComplete(ctx context.Context, id string) error
	TopicFetchIncomplete(ctx context.Context, id string, retryDelays []int) error
	// TopicStoreContent atomically stores new content, advances
	// content_updated, appends a history row, activates the topic, and
	// completes the fetch.
	TopicStoreContent(ctx context.Context, id string, upd ContentUpdate) error
	// TopicMarkDeleted soft-deletes the topic and advances content_updated so
	// subscribers receive a final Gone notice.
	TopicMarkDeleted(ctx context.Context, id string) error
	// TopicPendingDelete physically deletes a soft-deleted topic iff no
	// subscriptions remain. Reports whether the row was deleted.
	TopicPendingDelete(ctx context.Context, id string) (bool, error)
	TopicDeleteExpiredSubscriptions(ctx context.Context, topicID string) (int, error)

	// TopicContent returns the deliverable view of the topic's payload,
	// served from the content cache when one is enabled.
	TopicContent(ctx context.Context, id string) (model.TopicContent, error)
	TopicContentHistoryList(ctx context.Context, topicID string, limit int) ([]model.TopicContentHistory, error)
	// TopicContentHistoryPrune keeps the newest retain rows per topic.
	TopicContentHistoryPrune(ctx context.Context, retain int) (int, error)
	// TopicsPendingDeleteSweep attempts physical deletion of every
	// soft-deleted topic without remaining subscriptions.
	TopicsPendingDeleteSweep(ctx context.Context) (int, error)

	// --- subscriptions ---

	SubscriptionGetByID(ctx context.Context, id string) (model.Subscription, error)
	SubscriptionGetByPair(ctx context.Context, callback, topicID string) (model.Subscription, error)
	SubscriptionListByTopic(ctx context.Context, topicID string) ([]model.Subscription, error)
	SubscriptionsExpiredSweep(ctx context.Context) (int, error)

	SubscriptionDeliveryClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error)
	SubscriptionDeliveryClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) (bool, error)
	// SubscriptionDeliveryComplete records the delivered content version and
	// resets attempt state. latest_content_delivered never moves backwards.
	SubscriptionDeliveryComplete(ctx context.Context, id string, deliveredVersionNs int64) error
	SubscriptionDeliveryIncomplete(ctx context.Context, id string, retryDelays []int) error
	// SubscriptionDeliveryGone deletes the subscription (callback said 410).
	SubscriptionDeliveryGone(ctx context.Context, id string) error
	// SubscriptionDeliveryDenied converts a delivery slot for a deleted topic
	// into a pending denied verification and completes the delivery, in one
	// transaction.
	SubscriptionDeliveryDenied(ctx context.Context, id, reason string) error

	// --- verifications ---

	VerificationCreate(ctx context.Context, v model.Verification) (string, error)
	VerificationGetByID(ctx context.Context, id string) (model.Verification, error)
	// VerificationUpdate persists mode rewrites (publisher denial) and the
	// is_publisher_validated flag.
	VerificationUpdate(ctx context.Context, v model.Verification) error
	VerificationClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error)
	VerificationClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) (bool, error)
	// VerificationComplete scrubs this and any sibling verifications for the
	// same (callback, topic) pair.
	VerificationComplete(ctx context.Context, id, callback, topicID string) error
	// VerificationCompleteSubscribe upserts the subscription and scrubs the
	// pair's verifications in one transaction.
	VerificationCompleteSubscribe(ctx context.Context, v model.Verification) error
	// VerificationCompleteRemove deletes the pair's subscription (if any) and
	// scrubs the pair's verifications in one transaction. Used for accepted
	// unsubscribes and completed denials.
	VerificationCompleteRemove(ctx context.Context, v model.Verification) error
	VerificationIncomplete(ctx context.Context, id string, retryDelays []int) error

	// --- infrastructure ---

	CacheStats() CacheStats
	Close() error
}
