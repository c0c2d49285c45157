package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/relayhub/relay/internal/model"
	"github.com/relayhub/relay/internal/state"
)

// Processor runs claimed work inline so an accepted ingress request makes
// progress before the next poll cycle. Claim loss is a silent no-op.
type Processor interface {
	ProcessTopicFetchByID(ctx context.Context, topicID string) error
	ProcessVerificationByID(ctx context.Context, verificationID string) error
}

// parseHubParams reads hub.* parameters from a form-encoded or JSON body.
// JSON values may be strings or arrays of strings, mirroring the repeated
// fields of a form post.
func parseHubParams(r *http.Request) (url.Values, error) {
	ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	if strings.TrimSpace(ct) == "application/json" {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %v", err)
		}
		vals := url.Values{}
		for k, v := range raw {
			switch v := v.(type) {
			case string:
				vals.Add(k, v)
			case []any:
				for _, item := range v {
					s, ok := item.(string)
					if !ok {
						return nil, fmt.Errorf("field %s: array values must be strings", k)
					}
					vals.Add(k, s)
				}
			default:
				return nil, fmt.Errorf("field %s: values must be strings", k)
			}
		}
		return vals, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form body: %v", err)
	}
	return r.PostForm, nil
}

func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	vals, err := parseHubParams(r)
	if err != nil {
		writeIngressErrors(w, []string{err.Error()}, nil)
		return
	}

	switch mode := vals.Get("hub.mode"); mode {
	case "publish":
		s.handlePublish(w, r, vals)
	case "subscribe", "unsubscribe":
		s.handleSubscription(w, r, model.VerificationMode(mode), vals)
	default:
		writeIngressErrors(w, []string{
			fmt.Sprintf("hub.mode must be subscribe, unsubscribe, or publish, got %q", mode),
		}, nil)
	}
}

// writeIngressErrors replies with the text/plain error:/warning: line format
// subscriber libraries expect from a rejected hub request.
func writeIngressErrors(w http.ResponseWriter, errs, warnings []string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	for _, e := range errs {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	for _, warn := range warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

type publishResult struct {
	URL     string `json:"url"`
	Status  int    `json:"status"`
	TopicID string `json:"topic_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, vals url.Values) {
	ctx := r.Context()

	// hub.url is the publish alias for hub.topic; the union of both lists is
	// deduplicated in arrival order.
	var urls []string
	seen := map[string]bool{}
	for _, raw := range append(vals["hub.url"], vals["hub.topic"]...) {
		u := strings.TrimSpace(raw)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		writeIngressErrors(w, []string{"hub.url or hub.topic is required for publish"}, nil)
		return
	}

	results := make([]publishResult, 0, len(urls))
	for _, u := range urls {
		results = append(results, s.publishOne(ctx, u))
	}

	if len(results) == 1 {
		res := results[0]
		if res.Status != http.StatusAccepted {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(res.Status)
			fmt.Fprintf(w, "error: %s\n", res.Detail)
			return
		}
		WriteJSON(w, http.StatusAccepted, res)
		return
	}
	WriteJSON(w, http.StatusMultiStatus, map[string]any{"results": results})
}

func (s *Server) publishOne(ctx context.Context, topicURL string) publishResult {
	if err := model.ValidateAbsoluteHTTPURL("hub.url", topicURL); err != nil {
		return publishResult{URL: topicURL, Status: http.StatusBadRequest, Detail: err.Error()}
	}

	var topic model.Topic
	var err error
	if s.opts.PublicHub {
		topic, _, err = s.repo.TopicEnsure(ctx, topicURL, s.opts.LeaseBounds)
	} else {
		topic, err = s.repo.TopicGetByURL(ctx, topicURL)
		if errors.Is(err, state.ErrNotFound) {
			return publishResult{URL: topicURL, Status: http.StatusNotFound, Detail: "topic not known to this hub"}
		}
	}
	if err != nil {
		log.Printf("[api] publish %s: %v", topicURL, err)
		return publishResult{URL: topicURL, Status: http.StatusInternalServerError, Detail: "internal error"}
	}
	if topic.IsDeleted {
		return publishResult{URL: topicURL, Status: http.StatusGone, Detail: "topic is deleted"}
	}

	if err := s.repo.TopicFetchRequested(ctx, topic.ID); err != nil {
		log.Printf("[api] publish %s: %v", topicURL, err)
		return publishResult{URL: topicURL, Status: http.StatusInternalServerError, Detail: "internal error"}
	}

	if s.opts.InlineProcessing && s.proc != nil {
		if err := s.proc.ProcessTopicFetchByID(ctx, topic.ID); err != nil {
			log.Printf("[api] inline fetch %s: %v", topic.ID, err)
		}
	}

	return publishResult{URL: topicURL, Status: http.StatusAccepted, TopicID: topic.ID}
}

type subscriptionAccepted struct {
	Status    string   `json:"status"`
	Mode      string   `json:"mode"`
	RequestID string   `json:"request_id"`
	Warnings  []string `json:"warnings,omitempty"`
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request, mode model.VerificationMode, vals url.Values) {
	ctx := r.Context()
	callback := strings.TrimSpace(vals.Get("hub.callback"))
	topicURL := strings.TrimSpace(vals.Get("hub.topic"))
	secret := []byte(vals.Get("hub.secret"))

	var errs, warnings []string
	if err := model.ValidateAbsoluteHTTPURL("hub.callback", callback); err != nil {
		errs = append(errs, err.Error())
	}
	if err := model.ValidateAbsoluteHTTPURL("hub.topic", topicURL); err != nil {
		errs = append(errs, err.Error())
	}
	if err := model.ValidateSecret(secret); err != nil {
		errs = append(errs, err.Error())
	}
	if len(secret) > 0 && !model.IsSecureURL(callback) {
		msg := "hub.secret supplied over a non-https callback"
		if s.opts.StrictSecret {
			errs = append(errs, msg)
		} else {
			warnings = append(warnings, msg)
		}
	}
	if len(errs) > 0 {
		writeIngressErrors(w, errs, warnings)
		return
	}

	var topic model.Topic
	var err error
	if mode == model.ModeSubscribe && s.opts.PublicHub {
		topic, _, err = s.repo.TopicEnsure(ctx, topicURL, s.opts.LeaseBounds)
	} else {
		topic, err = s.repo.TopicGetByURL(ctx, topicURL)
		if errors.Is(err, state.ErrNotFound) {
			writeIngressErrors(w, []string{"hub.topic not known to this hub"}, warnings)
			return
		}
	}
	if err != nil {
		log.Printf("[api] %s %s: %v", mode, topicURL, err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	bounds := model.LeaseBounds{
		Preferred: topic.LeaseSecondsPreferred,
		Min:       topic.LeaseSecondsMin,
		Max:       topic.LeaseSecondsMax,
	}
	lease, warn := bounds.ClampLeaseSeconds(vals.Get("hub.lease_seconds"))
	if warn != "" {
		warnings = append(warnings, warn)
	}

	v := model.Verification{
		TopicID:            topic.ID,
		Callback:           callback,
		Mode:               mode,
		LeaseSeconds:       lease,
		Secret:             secret,
		SignatureAlgorithm: model.DefaultHashAlgorithm,
		// Starts validated unless the topic registered a publisher validator.
		IsPublisherValidated: topic.PublisherValidationURL == "",
		RequestID:            uuid.NewString(),
	}
	id, err := s.repo.VerificationCreate(ctx, v)
	if err != nil {
		log.Printf("[api] %s %s: %v", mode, topicURL, err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	if s.opts.InlineProcessing && s.proc != nil {
		if err := s.proc.ProcessVerificationByID(ctx, id); err != nil {
			log.Printf("[api] inline verification %s: %v", id, err)
		}
	}

	WriteJSON(w, http.StatusAccepted, subscriptionAccepted{
		Status:    "accepted",
		Mode:      string(mode),
		RequestID: v.RequestID,
		Warnings:  warnings,
	})
}
