package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relayhub/relay/internal/api"
	"github.com/relayhub/relay/internal/deliver"
	"github.com/relayhub/relay/internal/engine"
	"github.com/relayhub/relay/internal/fetch"
	"github.com/relayhub/relay/internal/model"
	"github.com/relayhub/relay/internal/netutil"
	"github.com/relayhub/relay/internal/state"
	"github.com/relayhub/relay/internal/verify"
)

const testAdminToken = "test-admin-token"

var testBounds = model.LeaseBounds{Preferred: 864000, Min: 3600, Max: 8640000}

type testHub struct {
	repo   *state.SQLiteRepo
	engine *engine.Engine
	srv    *httptest.Server
}

func newTestHub(t *testing.T, mutate func(*api.Options)) *testHub {
	t.Helper()

	db, err := state.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := state.MigrateSQLite(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := state.NewSQLiteRepo(db)

	client := netutil.NewClient(netutil.Options{})
	e := engine.New(repo,
		fetch.New(repo, client, fetch.Options{SelfURL: "https://hub.example"}),
		verify.New(repo, client, verify.Options{}),
		deliver.New(repo, client, deliver.Options{SelfURL: "https://hub.example"}),
		engine.Options{MaxConcurrent: 4, PollInterval: 10 * time.Millisecond, PollJitter: -1})

	opts := api.Options{
		PublicHub:        true,
		LeaseBounds:      testBounds,
		InlineProcessing: true,
		AdminToken:       testAdminToken,
		APIMaxBodyBytes:  1 << 20,
	}
	if mutate != nil {
		mutate(&opts)
	}

	s := api.New(repo, e, opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testHub{repo: repo, engine: e, srv: srv}
}

func (h *testHub) postForm(t *testing.T, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := http.PostForm(h.srv.URL+"/", form)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func (h *testHub) adminGet(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

// echoCallback answers intent verifications by echoing the challenge and
// records every request it sees.
func echoCallback(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var last atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			last.Store(r.URL.Query())
			w.Write([]byte(r.URL.Query().Get("hub.challenge")))
			return
		}
		body, _ := io.ReadAll(r.Body)
		last.Store(string(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

// activateTopic ensures url exists and has fetched content, so pending
// verifications for it are claimable.
func activateTopic(t *testing.T, repo *state.SQLiteRepo, topicURL string) model.Topic {
	t.Helper()
	ctx := context.Background()
	topic, _, err := repo.TopicEnsure(ctx, topicURL, testBounds)
	if err != nil {
		t.Fatalf("ensure %s: %v", topicURL, err)
	}
	hash, _ := model.ContentHash([]byte("seed"), model.DefaultHashAlgorithm)
	err = repo.TopicStoreContent(ctx, topic.ID, state.ContentUpdate{
		Content: []byte("seed"), ContentType: "text/plain", ContentHash: hash,
	})
	if err != nil {
		t.Fatalf("store %s: %v", topicURL, err)
	}
	return topic
}

func TestIngressSubscribeEndToEnd(t *testing.T) {
	h := newTestHub(t, nil)
	cb, seen := echoCallback(t)
	activateTopic(t, h.repo, "https://example.com/blog/")

	resp, body := h.postForm(t, url.Values{
		"hub.mode":          {"subscribe"},
		"hub.topic":         {"https://example.com/blog/"},
		"hub.callback":      {cb.URL + "/cb?id=1"},
		"hub.lease_seconds": {"864000"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	var accepted struct {
		Status    string   `json:"status"`
		RequestID string   `json:"request_id"`
		Warnings  []string `json:"warnings"`
	}
	if err := json.Unmarshal([]byte(body), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.Status != "accepted" || accepted.RequestID == "" {
		t.Fatalf("response: %+v", accepted)
	}
	if len(accepted.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", accepted.Warnings)
	}

	params := seen.Load().(url.Values)
	if params.Get("hub.mode") != "subscribe" ||
		params.Get("hub.topic") != "https://example.com/blog/" ||
		params.Get("hub.lease_seconds") != "864000" ||
		params.Get("hub.challenge") == "" {
		t.Fatalf("challenge params: %v", params)
	}

	ctx := context.Background()
	topic, err := h.repo.TopicGetByURL(ctx, "https://example.com/blog/")
	if err != nil {
		t.Fatalf("topic: %v", err)
	}
	sub, err := h.repo.SubscriptionGetByPair(ctx, cb.URL+"/cb?id=1", topic.ID)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if got := sub.ExpiresAtNs - sub.VerifiedAtNs; got != 864000*int64(time.Second) {
		t.Fatalf("lease span: %d", got)
	}
}

func TestIngressSubscribeValidationErrors(t *testing.T) {
	h := newTestHub(t, nil)

	resp, body := h.postForm(t, url.Values{
		"hub.mode":     {"subscribe"},
		"hub.topic":    {"not-a-url"},
		"hub.callback": {"ftp://sub.example.net/cb"},
		"hub.secret":   {strings.Repeat("x", model.MaxSecretBytes+1)},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type %q", ct)
	}
	for _, want := range []string{
		"error: hub.callback must be an absolute http or https URL",
		"error: hub.topic must be an absolute http or https URL",
		"error: hub.secret exceeds 199 bytes",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}

func TestIngressSecretOverInsecureCallback(t *testing.T) {
	h := newTestHub(t, nil)
	cb, _ := echoCallback(t)

	// Non-strict: accepted with a warning. httptest callbacks are http://.
	resp, body := h.postForm(t, url.Values{
		"hub.mode":     {"subscribe"},
		"hub.topic":    {"https://example.com/feed"},
		"hub.callback": {cb.URL},
		"hub.secret":   {"s3cret"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, "non-https callback") {
		t.Fatalf("warning missing: %s", body)
	}

	strict := newTestHub(t, func(o *api.Options) { o.StrictSecret = true })
	resp, body = strict.postForm(t, url.Values{
		"hub.mode":     {"subscribe"},
		"hub.topic":    {"https://example.com/feed"},
		"hub.callback": {cb.URL},
		"hub.secret":   {"s3cret"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("strict status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, "error: hub.secret supplied over a non-https callback") {
		t.Fatalf("strict body: %s", body)
	}
}

func TestIngressLeaseClampWarning(t *testing.T) {
	h := newTestHub(t, nil)
	cb, _ := echoCallback(t)
	activateTopic(t, h.repo, "https://example.com/feed")

	resp, body := h.postForm(t, url.Values{
		"hub.mode":          {"subscribe"},
		"hub.topic":         {"https://example.com/feed"},
		"hub.callback":      {cb.URL},
		"hub.lease_seconds": {"99999999"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, "clamped to 8640000") {
		t.Fatalf("clamp warning missing: %s", body)
	}

	ctx := context.Background()
	topic, err := h.repo.TopicGetByURL(ctx, "https://example.com/feed")
	if err != nil {
		t.Fatalf("topic: %v", err)
	}
	sub, err := h.repo.SubscriptionGetByPair(ctx, cb.URL, topic.ID)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if got := sub.ExpiresAtNs - sub.VerifiedAtNs; got != 8640000*int64(time.Second) {
		t.Fatalf("lease span: %d", got)
	}
}

func TestIngressUnknownModeRejected(t *testing.T) {
	h := newTestHub(t, nil)
	resp, body := h.postForm(t, url.Values{"hub.mode": {"observe"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.Contains(body, `error: hub.mode must be subscribe, unsubscribe, or publish, got "observe"`) {
		t.Fatalf("body: %s", body)
	}
}

func TestIngressPrivateHubRejectsUnknownTopic(t *testing.T) {
	h := newTestHub(t, func(o *api.Options) { o.PublicHub = false })
	cb, _ := echoCallback(t)

	resp, body := h.postForm(t, url.Values{
		"hub.mode":     {"subscribe"},
		"hub.topic":    {"https://example.com/unknown"},
		"hub.callback": {cb.URL},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, "error: hub.topic not known to this hub") {
		t.Fatalf("body: %s", body)
	}
}

func TestIngressPublishInlineFetchAndConditionalRefetch(t *testing.T) {
	var requests atomic.Int64
	var lastIfNoneMatch atomic.Value
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		lastIfNoneMatch.Store(r.Header.Get("If-None-Match"))
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte("<feed>v1</feed>"))
	}))
	defer feed.Close()

	h := newTestHub(t, nil)

	resp, body := h.postForm(t, url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {feed.URL},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	ctx := context.Background()
	topic, err := h.repo.TopicGetByURL(ctx, feed.URL)
	if err != nil {
		t.Fatalf("topic: %v", err)
	}
	if !topic.IsActive || string(topic.Content) != "<feed>v1</feed>" {
		t.Fatalf("inline fetch did not store content: %+v", topic)
	}
	firstVersion := topic.ContentUpdatedNs

	// Second publish refetches conditionally and the 304 leaves content
	// untouched.
	resp, body = h.postForm(t, url.Values{
		"hub.mode":  {"publish"},
		"hub.topic": {feed.URL},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if lastIfNoneMatch.Load() != `"abc"` {
		t.Fatalf("conditional header: %v", lastIfNoneMatch.Load())
	}
	after, _ := h.repo.TopicGetByID(ctx, topic.ID)
	if after.ContentUpdatedNs != firstVersion {
		t.Fatal("304 advanced the content version")
	}
	if requests.Load() != 2 {
		t.Fatalf("fetches: %d", requests.Load())
	}
}

func TestIngressPublishMultiStatus(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content"))
	}))
	defer feed.Close()

	h := newTestHub(t, nil)

	resp, body := h.postForm(t, url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {feed.URL, "not-a-url"},
	})
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	var multi struct {
		Results []struct {
			URL    string `json:"url"`
			Status int    `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(body), &multi); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(multi.Results) != 2 {
		t.Fatalf("results: %+v", multi.Results)
	}
	if multi.Results[0].URL != feed.URL || multi.Results[0].Status != http.StatusAccepted {
		t.Fatalf("first result: %+v", multi.Results[0])
	}
	if multi.Results[1].Status != http.StatusBadRequest {
		t.Fatalf("second result: %+v", multi.Results[1])
	}
}

func TestIngressPublishJSONBody(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content"))
	}))
	defer feed.Close()

	h := newTestHub(t, nil)

	payload := `{"hub.mode": "publish", "hub.url": ["` + feed.URL + `"]}`
	resp, err := http.Post(h.srv.URL+"/", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	if _, err := h.repo.TopicGetByURL(context.Background(), feed.URL); err != nil {
		t.Fatalf("topic not created: %v", err)
	}
}

func TestPublishFanoutDeliversToSubscriber(t *testing.T) {
	var delivered atomic.Value
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(r.URL.Query().Get("hub.challenge")))
			return
		}
		body, _ := io.ReadAll(r.Body)
		delivered.Store(string(body))
	}))
	defer cb.Close()

	var feedBody atomic.Value
	feedBody.Store("<feed>v1</feed>")
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(feedBody.Load().(string)))
	}))
	defer feed.Close()

	h := newTestHub(t, nil)
	h.engine.Start()
	defer h.engine.Stop()

	// First publish activates the topic so the subscription can verify.
	resp, body := h.postForm(t, url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {feed.URL},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish: %d %s", resp.StatusCode, body)
	}

	resp, body = h.postForm(t, url.Values{
		"hub.mode":     {"subscribe"},
		"hub.topic":    {feed.URL},
		"hub.callback": {cb.URL},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("subscribe: %d %s", resp.StatusCode, body)
	}

	// Wait for the verification to complete so the subscription pins v1
	// before the next version appears.
	topic, err := h.repo.TopicGetByURL(context.Background(), feed.URL)
	if err != nil {
		t.Fatalf("topic: %v", err)
	}
	waitFor(t, func() bool {
		_, err := h.repo.SubscriptionGetByPair(context.Background(), cb.URL, topic.ID)
		return err == nil
	}, "subscription never verified")

	// The subscription starts at v1; only the next publish fans out.
	feedBody.Store("<feed>fanout</feed>")
	resp, body = h.postForm(t, url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {feed.URL},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("second publish: %d %s", resp.StatusCode, body)
	}

	waitFor(t, func() bool { return delivered.Load() != nil }, "delivery never arrived")
	if got := delivered.Load().(string); got != "<feed>fanout</feed>" {
		t.Fatalf("delivered body: %q", got)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestHealthzIsPublic(t *testing.T) {
	h := newTestHub(t, nil)
	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestAdminAuth(t *testing.T) {
	h := newTestHub(t, nil)

	resp, err := http.Get(h.srv.URL + "/api/v1/topics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/topics", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", resp.StatusCode)
	}

	disabled := newTestHub(t, func(o *api.Options) { o.AdminToken = "" })
	req, _ = http.NewRequest(http.MethodGet, disabled.srv.URL+"/api/v1/topics", nil)
	req.Header.Set("Authorization", "Bearer anything")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disabled admin API: %d", resp.StatusCode)
	}
}

func TestAdminTopicEndpoints(t *testing.T) {
	h := newTestHub(t, nil)
	ctx := context.Background()

	topic, _, err := h.repo.TopicEnsure(ctx, "https://example.com/feed", testBounds)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	hash, _ := model.ContentHash([]byte("v1"), model.DefaultHashAlgorithm)
	err = h.repo.TopicStoreContent(ctx, topic.ID, state.ContentUpdate{
		Content: []byte("v1"), ContentType: "text/plain", ContentHash: hash,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	err = h.repo.VerificationCompleteSubscribe(ctx, model.Verification{
		TopicID:      topic.ID,
		Callback:     "https://sub.example.net/cb",
		Mode:         model.ModeSubscribe,
		LeaseSeconds: 86400,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	resp, body := h.adminGet(t, "/api/v1/topics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, topic.ID) {
		t.Fatalf("topics: %d %s", resp.StatusCode, body)
	}

	resp, body = h.adminGet(t, "/api/v1/topics/"+topic.ID)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "https://example.com/feed") {
		t.Fatalf("topic: %d %s", resp.StatusCode, body)
	}

	resp, _ = h.adminGet(t, "/api/v1/topics/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing topic: %d", resp.StatusCode)
	}

	resp, body = h.adminGet(t, "/api/v1/topics/"+topic.ID+"/history")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, hash) {
		t.Fatalf("history: %d %s", resp.StatusCode, body)
	}

	resp, body = h.adminGet(t, "/api/v1/topics/"+topic.ID+"/subscriptions")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "https://sub.example.net/cb") {
		t.Fatalf("subscriptions: %d %s", resp.StatusCode, body)
	}

	resp, body = h.adminGet(t, "/api/v1/cache/stats")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"enabled":false`) {
		t.Fatalf("cache stats: %d %s", resp.StatusCode, body)
	}

	resp, body = h.adminGet(t, "/api/v1/system/info")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"version"`) {
		t.Fatalf("system info: %d %s", resp.StatusCode, body)
	}
}
