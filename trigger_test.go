package isrcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/isrcache/adapter/memory"
)

func TestTriggerDeduplicatesAndForces(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, nil)
	put(t, m, "/a", "x", 600, "blog")
	put(t, m, "/b", "x", 600, "blog", "home")
	put(t, m, "/c", "x", 600, "home")
	r := newRenderer()
	r.fail["/c"] = errors.New("nope")
	s := newTestScheduler(t, m, r.render, 2)

	resp := s.Trigger(ctx, TriggerRequest{
		Key:  "/b",
		Keys: []string{"/a", "/b"},
		Tag:  "blog",
		Tags: []string{"home", ""},
	})
	require.Equal(t, 3, resp.Revalidated)
	require.Equal(t, 2, resp.Successful)
	require.Equal(t, 1, resp.Failed)
	require.Equal(t, []string{"/b", "/a", "/c"}, []string{resp.Results[0].Key, resp.Results[1].Key, resp.Results[2].Key})

	// fresh entries were rendered anyway
	require.Equal(t, 1, r.count("/a"))
	require.Equal(t, 1, r.count("/b"))
}

func TestTriggerEmpty(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	s := newTestScheduler(t, m, newRenderer().render, 1)

	resp := s.Trigger(context.Background(), TriggerRequest{Tag: "nothing-here"})
	require.Zero(t, resp.Revalidated)
	require.NotNil(t, resp.Results)
}

func TestWebhookRevalidates(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, nil)
	put(t, m, "/a", "x", 600, "blog")
	put(t, m, "/b", "x", 600, "blog")
	r := newRenderer()
	s := newTestScheduler(t, m, r.render, 2)

	resp := s.Webhook(ctx, WebhookRequest{Tags: []string{"blog"}})
	require.True(t, resp.Success)
	require.Equal(t, []string{"/a", "/b"}, resp.RevalidatedKeys)
	require.Empty(t, resp.Error)

	r.fail["/b"] = errors.New("upstream down")
	resp = s.Webhook(ctx, WebhookRequest{Keys: []string{"/a", "/b"}})
	require.False(t, resp.Success)
	require.Equal(t, []string{"/a"}, resp.RevalidatedKeys)
	require.Contains(t, resp.Error, "upstream down")
}

func TestWebhookPurge(t *testing.T) {
	ctx := context.Background()
	f := newFlaky(memory.New(memory.Config{}))
	m, _, _ := newTestManager(t, f)
	put(t, m, "/a", "x", 600, "blog")
	put(t, m, "/b", "x", 600)
	r := newRenderer()
	s := newTestScheduler(t, m, r.render, 2)

	resp := s.Webhook(ctx, WebhookRequest{Tags: []string{"blog"}, Keys: []string{"/b"}, Purge: true})
	require.True(t, resp.Success)
	require.Equal(t, []string{"/b", "/a"}, resp.RevalidatedKeys)
	require.Zero(t, r.count("/a"))
	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	put(t, m, "/c", "x", 600)
	f.fail("delete")
	resp = s.Webhook(ctx, WebhookRequest{Keys: []string{"/c"}, Purge: true})
	require.False(t, resp.Success)
	require.Empty(t, resp.RevalidatedKeys)
	require.Contains(t, resp.Error, "purge failed")
}

func TestWebhookRequiresInput(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	s := newTestScheduler(t, m, newRenderer().render, 1)

	resp := s.Webhook(context.Background(), WebhookRequest{})
	require.False(t, resp.Success)
	require.NotEmpty(t, resp.Error)
	require.NotNil(t, resp.RevalidatedKeys)
}
