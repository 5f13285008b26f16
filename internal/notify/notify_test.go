package notify

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"
)

type fakeSlackAPI struct {
	mu       sync.Mutex
	posts    []slackPost
	err      error
	nextTS   string
	tsSeries []string
}

type slackPost struct {
	channel string
	options int
}

func (f *fakeSlackAPI) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", "", f.err
	}
	f.posts = append(f.posts, slackPost{channel: channelID, options: len(options)})
	ts := f.nextTS
	if len(f.tsSeries) > 0 {
		ts = f.tsSeries[0]
		f.tsSeries = f.tsSeries[1:]
	}
	return channelID, ts, nil
}

type memAnchors struct {
	mu      sync.Mutex
	anchors map[string]string
}

func newMemAnchors() *memAnchors {
	return &memAnchors{anchors: make(map[string]string)}
}

func (m *memAnchors) ThreadAnchor(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anchors[key], nil
}

func (m *memAnchors) SetThreadAnchor(ctx context.Context, key, anchor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchors[key] = anchor
	return nil
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestSlackThreading(t *testing.T) {
	api := &fakeSlackAPI{tsSeries: []string{"100.1", "100.2"}}
	anchors := newMemAnchors()
	s := &Slack{client: api, channel: "#pipeline", anchors: anchors, logger: discardLogger()}

	ctx := context.Background()
	s.Notify(ctx, "proposal-1", "Build started")
	s.Notify(ctx, "proposal-1", "Build finished")

	require.Len(t, api.posts, 2)
	// First message sets the anchor; second carries the thread option
	require.Equal(t, "100.1", anchors.anchors["proposal-1"])
	require.Equal(t, 1, api.posts[0].options)
	require.Equal(t, 2, api.posts[1].options)
}

func TestSlackSwallowsDeliveryError(t *testing.T) {
	api := &fakeSlackAPI{err: errors.New("channel_not_found")}
	s := &Slack{client: api, channel: "#pipeline", anchors: newMemAnchors(), logger: discardLogger()}

	// Must not panic or propagate anything
	s.Notify(context.Background(), "k", "hello")
}

func TestSlackNoThreadKey(t *testing.T) {
	api := &fakeSlackAPI{nextTS: "200.1"}
	anchors := newMemAnchors()
	s := &Slack{client: api, channel: "#pipeline", anchors: anchors, logger: discardLogger()}

	s.Notify(context.Background(), "", "Digest")
	require.Len(t, api.posts, 1)
	require.Empty(t, anchors.anchors)
}

func TestWebhookPostsJSON(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, discardLogger())
	w.Notify(context.Background(), "k", "merge complete")

	require.JSONEq(t, `{"text":"merge complete"}`, got)
}

func TestWebhookSwallowsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, discardLogger())
	w.Notify(context.Background(), "", "oops")

	unreachable := NewWebhook("http://127.0.0.1:0", discardLogger())
	unreachable.Notify(context.Background(), "", "oops")
}

func TestMultiFansOut(t *testing.T) {
	a := &Mock{}
	b := &Mock{}
	m := Multi{a, b}

	m.Notify(context.Background(), "k", "hello")
	require.Len(t, a.Sent(), 1)
	require.Len(t, b.Sent(), 1)
	require.True(t, a.Contains("hello"))
}
