// Package model defines domain structs shared across the persistence layer
// and the work engine. Timestamps are epoch nanoseconds (0 = absent).
package model

// VerificationMode is the intent carried by a verification row.
type VerificationMode string

const (
	ModeSubscribe   VerificationMode = "subscribe"
	ModeUnsubscribe VerificationMode = "unsubscribe"
	ModeDenied      VerificationMode = "denied"
)

// IsValid reports whether the mode is one of the storable modes.
func (m VerificationMode) IsValid() bool {
	switch m {
	case ModeSubscribe, ModeUnsubscribe, ModeDenied:
		return true
	}
	return false
}

// Topic is a URL whose content the hub mirrors to subscribers.
type Topic struct {
	ID                     string `json:"id" db:"id"`
	URL                    string `json:"url" db:"url"`
	LeaseSecondsPreferred  int    `json:"lease_seconds_preferred" db:"lease_seconds_preferred"`
	LeaseSecondsMin        int    `json:"lease_seconds_min" db:"lease_seconds_min"`
	LeaseSecondsMax        int    `json:"lease_seconds_max" db:"lease_seconds_max"`
	PublisherValidationURL string `json:"publisher_validation_url,omitempty" db:"publisher_validation_url"`
	ContentHashAlgorithm   string `json:"content_hash_algorithm" db:"content_hash_algorithm"`
	IsActive               bool   `json:"is_active" db:"is_active"`
	IsDeleted              bool   `json:"is_deleted" db:"is_deleted"`

	Content          []byte `json:"-" db:"content"`
	ContentType      string `json:"content_type,omitempty" db:"content_type"`
	ContentHash      string `json:"content_hash,omitempty" db:"content_hash"`
	HTTPETag         string `json:"http_etag,omitempty" db:"http_etag"`
	HTTPLastModified string `json:"http_last_modified,omitempty" db:"http_last_modified"`

	ContentUpdatedNs          int64 `json:"content_updated_ns" db:"content_updated_ns"`
	LastPublishNs             int64 `json:"last_publish_ns" db:"last_publish_ns"`
	LastFetchCompletedNs      int64 `json:"last_fetch_completed_ns" db:"last_fetch_completed_ns"`
	ContentFetchNextAttemptNs int64 `json:"content_fetch_next_attempt_ns" db:"content_fetch_next_attempt_ns"`
	ContentFetchAttempts      int   `json:"content_fetch_attempts" db:"content_fetch_attempts"`

	FetchClaimant      string `json:"-" db:"fetch_claimant"`
	FetchClaimExpireNs int64  `json:"-" db:"fetch_claim_expires_ns"`
}

// Subscription is an active (callback, topic) binding.
type Subscription struct {
	ID                 string `json:"id" db:"id"`
	TopicID            string `json:"topic_id" db:"topic_id"`
	Callback           string `json:"callback" db:"callback"`
	VerifiedAtNs       int64  `json:"verified_at_ns" db:"verified_at_ns"`
	ExpiresAtNs        int64  `json:"expires_at_ns" db:"expires_at_ns"`
	Secret             []byte `json:"-" db:"secret"`
	SignatureAlgorithm string `json:"signature_algorithm" db:"signature_algorithm"`

	LatestContentDeliveredNs int64 `json:"latest_content_delivered_ns" db:"latest_content_delivered_ns"`
	DeliveryAttempts         int   `json:"delivery_attempts" db:"delivery_attempts"`
	DeliveryNextAttemptNs    int64 `json:"delivery_next_attempt_ns" db:"delivery_next_attempt_ns"`

	DeliveryClaimant      string `json:"-" db:"delivery_claimant"`
	DeliveryClaimExpireNs int64  `json:"-" db:"delivery_claim_expires_ns"`
}

// HasSecret reports whether deliveries to this subscription must be signed.
func (s *Subscription) HasSecret() bool {
	return len(s.Secret) > 0
}

// Verification is a pending intent to subscribe, unsubscribe, or deny.
type Verification struct {
	ID                   string           `json:"id" db:"id"`
	TopicID              string           `json:"topic_id" db:"topic_id"`
	Callback             string           `json:"callback" db:"callback"`
	Mode                 VerificationMode `json:"mode" db:"mode"`
	LeaseSeconds         int              `json:"lease_seconds" db:"lease_seconds"`
	Secret               []byte           `json:"-" db:"secret"`
	SignatureAlgorithm   string           `json:"signature_algorithm" db:"signature_algorithm"`
	IsPublisherValidated bool             `json:"is_publisher_validated" db:"is_publisher_validated"`
	Reason               string           `json:"reason,omitempty" db:"reason"`

	Attempts      int   `json:"attempts" db:"attempts"`
	NextAttemptNs int64 `json:"next_attempt_ns" db:"next_attempt_ns"`

	Claimant      string `json:"-" db:"claimant"`
	ClaimExpireNs int64  `json:"-" db:"claim_expires_ns"`

	RequestID string `json:"request_id,omitempty" db:"request_id"`
}

// TopicContentHistory is one append-only audit row of a content change.
type TopicContentHistory struct {
	TopicID          string `json:"topic_id" db:"topic_id"`
	ContentUpdatedNs int64  `json:"content_updated_ns" db:"content_updated_ns"`
	ContentSize      int    `json:"content_size" db:"content_size"`
	ContentHash      string `json:"content_hash" db:"content_hash"`
}

// TopicContent is the deliverable view of a topic's current payload.
type TopicContent struct {
	TopicID          string `db:"topic_id"`
	URL              string `db:"url"`
	IsDeleted        bool   `db:"is_deleted"`
	Content          []byte `db:"content"`
	ContentType      string `db:"content_type"`
	ContentUpdatedNs int64  `db:"content_updated_ns"`
}
