// Package verify drives verification rows to completion: optional publisher
// validation, then the challenge-response GET against the subscriber
// callback.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/relayhub/relay/internal/model"
	"github.com/relayhub/relay/internal/netutil"
	"github.com/relayhub/relay/internal/state"
)

// GoneReason is sent to subscribers whose topic left the hub.
const GoneReason = "Gone: topic no longer valid on this hub."

const publisherRejectedReason = "publisher rejected request"

// Options configures a Verifier.
type Options struct {
	// RetryDelays is the backoff table in seconds. Empty means the default.
	RetryDelays []int
}

// Verifier performs single verification attempts for claimed rows.
type Verifier struct {
	repo   state.Repository
	client *netutil.Client
	opts   Options
}

func New(repo state.Repository, client *netutil.Client, opts Options) *Verifier {
	return &Verifier{repo: repo, client: client, opts: opts}
}

// Process runs one attempt for a verification the caller has claimed.
func (vf *Verifier) Process(ctx context.Context, verificationID string) error {
	v, err := vf.repo.VerificationGetByID(ctx, verificationID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			// Scrubbed by a sibling completion.
			return nil
		}
		return fmt.Errorf("verify %s: %w", verificationID, err)
	}

	topic, err := vf.repo.TopicGetByID(ctx, v.TopicID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return vf.repo.VerificationComplete(ctx, v.ID, v.Callback, v.TopicID)
		}
		return fmt.Errorf("verify %s: %w", verificationID, err)
	}

	if topic.IsDeleted && v.Mode == model.ModeSubscribe {
		v.Mode = model.ModeDenied
		v.Reason = GoneReason
		if err := vf.repo.VerificationUpdate(ctx, v); err != nil {
			return fmt.Errorf("verify %s: %w", verificationID, err)
		}
	}

	if v.Mode == model.ModeSubscribe && !v.IsPublisherValidated && topic.PublisherValidationURL != "" {
		proceed, err := vf.validateWithPublisher(ctx, &v, topic)
		if err != nil {
			return err
		}
		if !proceed {
			return vf.repo.VerificationIncomplete(ctx, v.ID, vf.opts.RetryDelays)
		}
	}

	return vf.challengeCallback(ctx, v, topic)
}

// validateWithPublisher asks the topic's validator whether this subscriber
// is welcome. A definitive publisher answer (2xx or 4xx) lets the flow
// proceed; transport errors and 5xx mean retry later.
func (vf *Verifier) validateWithPublisher(ctx context.Context, v *model.Verification, topic model.Topic) (proceed bool, err error) {
	body, err := json.Marshal(map[string]string{
		"callback": v.Callback,
		"topic":    topic.URL,
	})
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", v.ID, err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	resp, err := vf.client.Do(ctx, netutil.Request{
		Method: http.MethodPost,
		URL:    topic.PublisherValidationURL,
		Header: header,
		Body:   body,
	})
	if err != nil {
		log.Printf("[verify] publisher validator %s unreachable: %v", topic.PublisherValidationURL, err)
		return false, nil
	}

	switch {
	case resp.IsSuccess():
		v.IsPublisherValidated = true
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		v.Mode = model.ModeDenied
		v.Reason = publisherRejectedReason
		v.IsPublisherValidated = true
	default:
		log.Printf("[verify] publisher validator %s returned status %d", topic.PublisherValidationURL, resp.StatusCode)
		return false, nil
	}

	if err := vf.repo.VerificationUpdate(ctx, *v); err != nil {
		return false, fmt.Errorf("verify %s: %w", v.ID, err)
	}
	return true, nil
}

func (vf *Verifier) challengeCallback(ctx context.Context, v model.Verification, topic model.Topic) error {
	challenge := newChallenge()
	target, err := callbackURL(v, topic.URL, challenge)
	if err != nil {
		log.Printf("[verify] bad callback %s: %v", v.Callback, err)
		return vf.repo.VerificationComplete(ctx, v.ID, v.Callback, v.TopicID)
	}

	resp, err := vf.client.Do(ctx, netutil.Request{Method: http.MethodGet, URL: target})
	if err != nil {
		log.Printf("[verify] callback %s unreachable: %v", v.Callback, err)
		return vf.repo.VerificationIncomplete(ctx, v.ID, vf.opts.RetryDelays)
	}
	if resp.StatusCode >= 500 {
		log.Printf("[verify] callback %s returned status %d", v.Callback, resp.StatusCode)
		return vf.repo.VerificationIncomplete(ctx, v.ID, vf.opts.RetryDelays)
	}

	switch {
	case resp.IsSuccess() && v.Mode == model.ModeDenied:
		return vf.finishRemove(ctx, v, topic)
	case resp.IsSuccess() && bytes.Equal(resp.Body, []byte(challenge)):
		if v.Mode == model.ModeSubscribe {
			return vf.repo.VerificationCompleteSubscribe(ctx, v)
		}
		return vf.finishRemove(ctx, v, topic)
	default:
		// Challenge mismatch or 4xx: the subscriber declined the intent.
		return vf.repo.VerificationComplete(ctx, v.ID, v.Callback, v.TopicID)
	}
}

func (vf *Verifier) finishRemove(ctx context.Context, v model.Verification, topic model.Topic) error {
	if err := vf.repo.VerificationCompleteRemove(ctx, v); err != nil {
		return fmt.Errorf("verify %s: %w", v.ID, err)
	}
	if topic.IsDeleted {
		if _, err := vf.repo.TopicPendingDelete(ctx, topic.ID); err != nil {
			return fmt.Errorf("verify %s: %w", v.ID, err)
		}
	}
	return nil
}

// callbackURL augments the subscriber callback with the hub.* query
// parameters for this intent.
func callbackURL(v model.Verification, topicURL, challenge string) (string, error) {
	u, err := url.Parse(v.Callback)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("hub.mode", string(v.Mode))
	q.Set("hub.topic", topicURL)
	if v.Mode == model.ModeDenied {
		if v.Reason != "" {
			q.Set("hub.reason", v.Reason)
		}
	} else {
		q.Set("hub.challenge", challenge)
		q.Set("hub.lease_seconds", strconv.Itoa(v.LeaseSeconds))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
