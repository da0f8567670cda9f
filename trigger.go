package isrcache

import (
	"context"
	"errors"
	"strings"
)

// TriggerRequest names what to regenerate on demand. All fields are optional
// and combined.
type TriggerRequest struct {
	Key  string   `json:"key,omitempty"`
	Keys []string `json:"keys,omitempty"`
	Tag  string   `json:"tag,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

type TriggerResponse struct {
	Revalidated int      `json:"revalidated"`
	Successful  int      `json:"successful"`
	Failed      int      `json:"failed"`
	Results     []Result `json:"results"`
}

// WebhookRequest invalidates by tag and key. With Purge set the entries are
// deleted instead of regenerated.
type WebhookRequest struct {
	Tags  []string `json:"tags,omitempty"`
	Keys  []string `json:"keys,omitempty"`
	Purge bool     `json:"purge,omitempty"`
}

type WebhookResponse struct {
	Success         bool     `json:"success"`
	RevalidatedKeys []string `json:"revalidatedKeys"`
	Error           string   `json:"error,omitempty"`
}

var errEmptyWebhook = errors.New("webhook: no tags or keys given")

// resolve expands keys and tags into a deduplicated key list in first-seen
// order: explicit keys first, then tag members.
func (s *Scheduler) resolve(ctx context.Context, keys, tags []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	add := func(k string) {
		if k == "" {
			return
		}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range keys {
		add(k)
	}
	for _, t := range tags {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		for _, k := range s.mgr.GetByTag(ctx, t) {
			add(k)
		}
	}
	return out
}

// Trigger force-regenerates every key named by req, one after another.
func (s *Scheduler) Trigger(ctx context.Context, req TriggerRequest) TriggerResponse {
	keys := s.resolve(ctx, append([]string{req.Key}, req.Keys...), append([]string{req.Tag}, req.Tags...))
	results := s.RevalidateMany(ctx, keys, WithForce(), WithContext(RenderContext{Reason: "trigger"}))

	resp := TriggerResponse{Revalidated: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			resp.Successful++
		} else {
			resp.Failed++
		}
	}
	s.log.Info("isrcache: on-demand revalidation", Fields{
		"keys": len(keys), "successful": resp.Successful, "failed": resp.Failed,
	})
	return resp
}

// Webhook regenerates (or, with Purge, deletes) the keys named by req.
// RevalidatedKeys lists the keys handled successfully; any failure clears
// Success and is summarized in Error.
func (s *Scheduler) Webhook(ctx context.Context, req WebhookRequest) WebhookResponse {
	if len(req.Tags) == 0 && len(req.Keys) == 0 {
		return WebhookResponse{RevalidatedKeys: []string{}, Error: errEmptyWebhook.Error()}
	}
	keys := s.resolve(ctx, req.Keys, req.Tags)

	if req.Purge {
		done, _, err := s.mgr.purge(ctx, keys)
		resp := WebhookResponse{Success: err == nil, RevalidatedKeys: done}
		if err != nil {
			resp.Error = err.Error()
		}
		return resp
	}

	results := s.RevalidateMany(ctx, keys, WithForce(), WithContext(RenderContext{Reason: "trigger"}))
	resp := WebhookResponse{Success: true, RevalidatedKeys: make([]string, 0, len(results))}
	var errs []error
	for _, r := range results {
		if r.Success {
			resp.RevalidatedKeys = append(resp.RevalidatedKeys, r.Key)
			continue
		}
		resp.Success = false
		errs = append(errs, r.Err)
	}
	if err := errors.Join(errs...); err != nil {
		resp.Error = err.Error()
	}
	return resp
}
