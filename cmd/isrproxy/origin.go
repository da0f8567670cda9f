package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/unkn0wn-root/isrcache"
	"github.com/unkn0wn-root/isrcache/config"
)

const (
	// TagsHeader lists cache tags for the response, comma separated.
	TagsHeader = "X-ISR-Tags"
	// RevalidateHeader overrides the revalidation interval in seconds.
	RevalidateHeader = "X-ISR-Revalidate"
)

// replayed are the origin headers stored with an entry.
var replayed = []string{"Content-Type", "Content-Language", "Link", "Vary"}

type origin struct {
	cfg    *config.Config
	client *http.Client
}

func newOrigin(cfg *config.Config, client *http.Client) *origin {
	return &origin{cfg: cfg, client: client}
}

// render fetches key from the origin. Non-2xx answers and uncacheable
// responses fail the render so nothing is stored.
func (o *origin) render(ctx context.Context, key string, rc isrcache.RenderContext) (*isrcache.Rendered, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.Server.Origin+key, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("X-ISR-Reason", rc.Reason)
	req.Header.Set("X-ISR-Revalidate-At", time.Now().UTC().Format(time.RFC3339Nano))

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("origin answered %d", resp.StatusCode)
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return nil, fmt.Errorf("origin response is not cacheable (%s)", cc)
	}

	out := &isrcache.Rendered{
		Body:    string(body),
		Headers: make(map[string]string, len(replayed)),
	}
	for _, h := range replayed {
		if v := resp.Header.Get(h); v != "" {
			out.Headers[h] = v
		}
	}

	rule := o.cfg.RuleFor(key)
	if rule != nil {
		out.Tags = append(out.Tags, rule.Tags...)
	}
	out.Tags = append(out.Tags, splitTags(resp.Header.Get(TagsHeader))...)

	revalidate := o.cfg.RevalidateSeconds(key)
	if v := resp.Header.Get(RevalidateHeader); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			revalidate = n
		}
	}
	out.Revalidate = &revalidate
	return out, nil
}

func splitTags(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
