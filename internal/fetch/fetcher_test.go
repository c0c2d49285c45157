package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/relayhub/relay/internal/model"
	"github.com/relayhub/relay/internal/netutil"
	"github.com/relayhub/relay/internal/state"
)

func newTestRepo(t *testing.T) *state.SQLiteRepo {
	t.Helper()
	db, err := state.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := state.MigrateSQLite(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return state.NewSQLiteRepo(db)
}

func ensureTopic(t *testing.T, repo *state.SQLiteRepo, url string) model.Topic {
	t.Helper()
	topic, _, err := repo.TopicEnsure(context.Background(), url,
		model.LeaseBounds{Preferred: 86400, Min: 3600, Max: 864000})
	if err != nil {
		t.Fatalf("ensure topic: %v", err)
	}
	return topic
}

func TestFetchStoresNewContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("<feed/>"))
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	topic := ensureTopic(t, repo, srv.URL)
	f := New(repo, netutil.NewClient(netutil.Options{}), Options{SelfURL: "https://hub.example"})

	if err := f.Process(context.Background(), topic.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := repo.TopicGetByID(context.Background(), topic.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsActive {
		t.Fatal("topic not activated")
	}
	if string(got.Content) != "<feed/>" || got.ContentType != "application/atom+xml" {
		t.Fatalf("content: %q %q", got.Content, got.ContentType)
	}
	if got.HTTPETag != `"v1"` {
		t.Fatalf("etag: %q", got.HTTPETag)
	}
	if got.ContentHash == "" || got.ContentUpdatedNs == 0 {
		t.Fatalf("change markers missing: %+v", got)
	}
}

func TestFetchSendsConditionalHeadersAndHandles304(t *testing.T) {
	var gotAccept, gotETag atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept.Store(r.Header.Get("Accept"))
		gotETag.Store(r.Header.Get("If-None-Match"))
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("<rss/>"))
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	topic := ensureTopic(t, repo, srv.URL)
	f := New(repo, netutil.NewClient(netutil.Options{}), Options{SelfURL: "https://hub.example"})

	ctx := context.Background()
	if err := f.Process(ctx, topic.ID); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	first, _ := repo.TopicGetByID(ctx, topic.ID)

	if err := f.Process(ctx, topic.ID); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if gotAccept.Load() != "application/rss+xml, */*;q=0.9" {
		t.Fatalf("accept: %v", gotAccept.Load())
	}
	if gotETag.Load() != `"v1"` {
		t.Fatalf("if-none-match: %v", gotETag.Load())
	}

	second, _ := repo.TopicGetByID(ctx, topic.ID)
	if second.ContentUpdatedNs != first.ContentUpdatedNs {
		t.Fatal("304 must not advance content_updated")
	}
	if second.ContentFetchAttempts != 0 {
		t.Fatalf("attempts after 304: %d", second.ContentFetchAttempts)
	}
}

func TestFetchServerErrorBacksOff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	topic := ensureTopic(t, repo, srv.URL)
	f := New(repo, netutil.NewClient(netutil.Options{}), Options{SelfURL: "https://hub.example"})

	if err := f.Process(context.Background(), topic.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := repo.TopicGetByID(context.Background(), topic.ID)
	if got.ContentFetchAttempts != 1 {
		t.Fatalf("attempts: got %d, want 1", got.ContentFetchAttempts)
	}
	if got.ContentFetchNextAttemptNs == 0 {
		t.Fatal("no retry scheduled")
	}
	if got.IsActive {
		t.Fatal("failed fetch activated the topic")
	}
}

func TestFetchUnchangedContentCompletesWithoutNewHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("same body"))
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	topic := ensureTopic(t, repo, srv.URL)
	f := New(repo, netutil.NewClient(netutil.Options{}), Options{SelfURL: "https://hub.example"})

	ctx := context.Background()
	if err := f.Process(ctx, topic.ID); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if err := f.Process(ctx, topic.ID); err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	hist, err := repo.TopicContentHistoryList(ctx, topic.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("unchanged content appended history: %d rows", len(hist))
	}
}

func TestFetchStrictHubLinkDisownsTopic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(`<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><link rel="self" href="/feed"/></feed>`))
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	topic := ensureTopic(t, repo, srv.URL)
	// A live subscription blocks physical deletion, leaving the soft-deleted
	// row observable.
	err := repo.VerificationCompleteSubscribe(context.Background(), model.Verification{
		TopicID:      topic.ID,
		Callback:     "https://subscriber.example/cb",
		Mode:         model.ModeSubscribe,
		LeaseSeconds: 86400,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	f := New(repo, netutil.NewClient(netutil.Options{}), Options{
		SelfURL:            "https://hub.example",
		StrictTopicHubLink: true,
	})

	if err := f.Process(context.Background(), topic.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := repo.TopicGetByID(context.Background(), topic.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsDeleted {
		t.Fatal("topic without hub link not disowned")
	}
	if got.ContentUpdatedNs == 0 {
		t.Fatal("disowning must advance content_updated for the final notice")
	}
}

func TestFetchStrictHubLinkAcceptsListedHub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Header().Set("Link", `<https://hub.example>; rel="hub"`)
		w.Write([]byte(`<feed xmlns="http://www.w3.org/2005/Atom"/>`))
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	topic := ensureTopic(t, repo, srv.URL)
	f := New(repo, netutil.NewClient(netutil.Options{}), Options{
		SelfURL:            "https://hub.example",
		StrictTopicHubLink: true,
	})

	if err := f.Process(context.Background(), topic.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := repo.TopicGetByID(context.Background(), topic.ID)
	if got.IsDeleted || !got.IsActive {
		t.Fatalf("listed hub rejected: deleted=%v active=%v", got.IsDeleted, got.IsActive)
	}
}
