// Package deliver posts topic content to subscriber callbacks, signing the
// body when the subscription carries a secret.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/relayhub/relay/internal/netutil"
	"github.com/relayhub/relay/internal/state"
	"github.com/relayhub/relay/internal/verify"
)

// Options configures a Deliverer.
type Options struct {
	// SelfURL is advertised as the rel="hub" link on every delivery.
	SelfURL string
	// RetryDelays is the backoff table in seconds. Empty means the default.
	RetryDelays []int
}

// Deliverer performs single delivery attempts for claimed subscriptions.
type Deliverer struct {
	repo   state.Repository
	client *netutil.Client
	opts   Options
}

func New(repo state.Repository, client *netutil.Client, opts Options) *Deliverer {
	return &Deliverer{repo: repo, client: client, opts: opts}
}

// Process runs one delivery attempt for a subscription the caller has
// claimed.
func (d *Deliverer) Process(ctx context.Context, subscriptionID string) error {
	sub, err := d.repo.SubscriptionGetByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("deliver %s: %w", subscriptionID, err)
	}

	content, err := d.repo.TopicContent(ctx, sub.TopicID)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", subscriptionID, err)
	}

	// A deleted topic converts the delivery slot into an unsubscription
	// notice.
	if content.IsDeleted {
		return d.repo.SubscriptionDeliveryDenied(ctx, sub.ID, verify.GoneReason)
	}

	header := http.Header{}
	contentType := content.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	header.Set("Content-Type", contentType)
	header.Set("Link", fmt.Sprintf("<%s>; rel=%q, <%s>; rel=%q",
		content.URL, "self", d.opts.SelfURL, "hub"))
	if sub.HasSecret() {
		sig, err := signatureHeader(sub.SignatureAlgorithm, sub.Secret, content.Content)
		if err != nil {
			return fmt.Errorf("deliver %s: %w", subscriptionID, err)
		}
		header.Set("X-Hub-Signature", sig)
	}

	resp, err := d.client.Do(ctx, netutil.Request{
		Method: http.MethodPost,
		URL:    sub.Callback,
		Header: header,
		Body:   content.Content,
	})
	if err != nil {
		log.Printf("[deliver] callback %s unreachable: %v", sub.Callback, err)
		return d.repo.SubscriptionDeliveryIncomplete(ctx, sub.ID, d.opts.RetryDelays)
	}

	switch {
	case resp.IsSuccess():
		return d.repo.SubscriptionDeliveryComplete(ctx, sub.ID, content.ContentUpdatedNs)
	case resp.StatusCode == http.StatusGone:
		log.Printf("[deliver] callback %s is gone, dropping subscription", sub.Callback)
		return d.repo.SubscriptionDeliveryGone(ctx, sub.ID)
	default:
		log.Printf("[deliver] callback %s returned status %d", sub.Callback, resp.StatusCode)
		return d.repo.SubscriptionDeliveryIncomplete(ctx, sub.ID, d.opts.RetryDelays)
	}
}
