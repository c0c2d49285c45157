// Package fetch implements the topic fetcher: one claimed fetch attempt per
// call, with conditional requests, change detection, and hub-link policy.
package fetch

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/relayhub/relay/internal/discovery"
	"github.com/relayhub/relay/internal/model"
	"github.com/relayhub/relay/internal/netutil"
	"github.com/relayhub/relay/internal/state"
)

// Options configures a Fetcher.
type Options struct {
	// SelfURL is the hub's public base URL, compared against discovered
	// rel=hub links.
	SelfURL string
	// StrictTopicHubLink soft-deletes topics whose content stops listing
	// this hub.
	StrictTopicHubLink bool
	// RetryDelays is the backoff table in seconds. Empty means the default.
	RetryDelays []int
}

// Fetcher performs single fetch attempts for claimed topics.
type Fetcher struct {
	repo   state.Repository
	client *netutil.Client
	opts   Options
}

func New(repo state.Repository, client *netutil.Client, opts Options) *Fetcher {
	return &Fetcher{repo: repo, client: client, opts: opts}
}

// Process runs one fetch attempt for a topic the caller has claimed.
func (f *Fetcher) Process(ctx context.Context, topicID string) error {
	topic, err := f.repo.TopicGetByID(ctx, topicID)
	if err != nil {
		return fmt.Errorf("fetch topic %s: %w", topicID, err)
	}
	if topic.IsDeleted {
		return f.repo.TopicFetchComplete(ctx, topicID)
	}

	if n, err := f.repo.TopicDeleteExpiredSubscriptions(ctx, topicID); err != nil {
		return fmt.Errorf("fetch topic %s: %w", topicID, err)
	} else if n > 0 {
		log.Printf("[fetch] dropped %d expired subscriptions for topic %s", n, topic.URL)
	}

	resp, err := f.client.Do(ctx, netutil.Request{
		Method:          http.MethodGet,
		URL:             topic.URL,
		Header:          fetchHeader(topic),
		FollowRedirects: true,
	})
	if err != nil {
		log.Printf("[fetch] topic %s unreachable: %v", topic.URL, err)
		return f.repo.TopicFetchIncomplete(ctx, topicID, f.opts.RetryDelays)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return f.repo.TopicFetchComplete(ctx, topicID)
	case resp.IsSuccess():
		return f.storeIfChanged(ctx, topic, resp)
	default:
		log.Printf("[fetch] topic %s returned status %d", topic.URL, resp.StatusCode)
		return f.repo.TopicFetchIncomplete(ctx, topicID, f.opts.RetryDelays)
	}
}

func fetchHeader(topic model.Topic) http.Header {
	h := http.Header{}
	if topic.ContentType != "" {
		h.Set("Accept", topic.ContentType+", */*;q=0.9")
	} else {
		h.Set("Accept", "*/*")
	}
	if topic.HTTPETag != "" {
		h.Set("If-None-Match", topic.HTTPETag)
	}
	if topic.HTTPLastModified != "" {
		h.Set("If-Modified-Since", topic.HTTPLastModified)
	}
	return h
}

func (f *Fetcher) storeIfChanged(ctx context.Context, topic model.Topic, resp *netutil.Response) error {
	algo := topic.ContentHashAlgorithm
	if !model.IsSupportedHashAlgorithm(algo) {
		algo = model.DefaultHashAlgorithm
	}
	hash, err := model.ContentHash(resp.Body, algo)
	if err != nil {
		return fmt.Errorf("fetch topic %s: %w", topic.ID, err)
	}
	if hash == topic.ContentHash {
		return f.repo.TopicFetchComplete(ctx, topic.ID)
	}

	if f.opts.StrictTopicHubLink &&
		!discovery.SelfListed(topic.URL, f.opts.SelfURL, resp.Header, resp.Body) {
		log.Printf("[fetch] topic %s no longer lists this hub, disowning", topic.URL)
		if err := f.repo.TopicMarkDeleted(ctx, topic.ID); err != nil {
			return fmt.Errorf("fetch topic %s: %w", topic.ID, err)
		}
		if _, err := f.repo.TopicPendingDelete(ctx, topic.ID); err != nil {
			return fmt.Errorf("fetch topic %s: %w", topic.ID, err)
		}
		return nil
	}

	return f.repo.TopicStoreContent(ctx, topic.ID, state.ContentUpdate{
		Content:          resp.Body,
		ContentType:      resp.Header.Get("Content-Type"),
		ContentHash:      hash,
		HTTPETag:         resp.Header.Get("ETag"),
		HTTPLastModified: resp.Header.Get("Last-Modified"),
	})
}
