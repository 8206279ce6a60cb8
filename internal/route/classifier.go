// Package route turns an inbound request's method and path into the bucket
// identity the admission engine keys its counters on, mirroring the
// major-parameter rules a Discord client has to know to stay in sync with
// the API's own bucket scoping (see gosdk's ratelimit.RouteFromEndpoint,
// which this package's fallback path is a direct descendant of).
package route

import (
	"strconv"
	"strings"

	"github.com/mtreilly/ratelimitproxy/internal/lru"
)

// majorParamRoutes lists the path prefixes whose bucket is scoped by an id
// embedded in the path rather than by the raw template alone. Each entry's
// second element is the path segment index (0-based, after trimming the
// leading "/api/vN") holding the major parameter.
var majorParamRoutes = []struct {
	prefix     string
	paramIndex int
}{
	{"channels", 1},
	{"guilds", 1},
	{"webhooks", 1},
}

// interactionRoutePrefixes are routes that take the fixed 15-minute bucket
// TTL instead of BUCKET_TTL (spec.md §4.5): interaction tokens are only valid for 15 minutes, so
// their buckets never need to outlive that window. Grounded on disgo's
// interactionRouteIDs table, which enumerates the same set of routes.
var interactionRoutePrefixes = []string{
	"interactions",
}

// Classifier turns (method, path) pairs into a stable bucket id, memoizing
// the path-template portion of that work in a small LRU — classification is
// pure given the path, so each path's template is computed only once while
// it stays cached.
type Classifier struct {
	templates *lru.Cache[string, string]
}

// New builds a Classifier whose template cache holds up to capacity entries.
func New(capacity int) *Classifier {
	return &Classifier{templates: lru.New[string, string](capacity)}
}

// Classify returns the bucket id a request belongs to and whether the route
// is an interaction callback (and therefore carries the short-TTL exemption
// described in spec.md §4.5).
func (c *Classifier) Classify(method, path string) (bucketID string, isInteraction bool) {
	template := c.template(path)
	return method + ":" + template, isInteractionRoute(path)
}

func (c *Classifier) template(path string) string {
	if cached, ok := c.templates.Get(path); ok {
		return cached
	}
	tmpl := buildTemplate(path)
	c.templates.Set(path, tmpl)
	return tmpl
}

// buildTemplate keeps the major-parameter value of path verbatim, so e.g.
// /channels/123/messages and /channels/456/messages are distinct buckets,
// and collapses snowflake-like *minor* path segments that Discord's own
// rate limiter does not scope on, such as message ids, to ":id".
func buildTemplate(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	segments = trimAPIVersionPrefix(segments)

	out := make([]string, 0, len(segments))
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if majorParamIndex(segments) == i {
			out = append(out, seg)
			continue
		}
		if isReactionEmoji(segments, i) {
			out = append(out, normalizeEmoji(seg))
			continue
		}
		if looksLikeSnowflake(seg) {
			out = append(out, ":id")
			continue
		}
		out = append(out, seg)
	}
	return "/" + strings.Join(out, "/")
}

func trimAPIVersionPrefix(segments []string) []string {
	if len(segments) == 0 {
		return segments
	}
	if segments[0] == "api" {
		segments = segments[1:]
	}
	if len(segments) > 0 && isVersionSegment(segments[0]) {
		segments = segments[1:]
	}
	return segments
}

func isVersionSegment(seg string) bool {
	return len(seg) > 1 && seg[0] == 'v' && isAllDigits(seg[1:])
}

func majorParamIndex(segments []string) int {
	if len(segments) == 0 {
		return -1
	}
	for _, mp := range majorParamRoutes {
		if segments[0] == mp.prefix && len(segments) > mp.paramIndex {
			return mp.paramIndex
		}
	}
	return -1
}

// isReactionEmoji reports whether segment i of a /channels/:id/messages/:id/
// reactions/:emoji path is the emoji major parameter, which Discord scopes
// per-emoji rather than collapsing into a shared bucket. Grounded on
// gosdk's discord/utils ParseEmoji/FormatEmoji pairing (custom emoji are
// "name:id", unicode emoji are the literal rune sequence). normalizeEmoji
// keeps a unicode emoji segment as-is and keeps a custom emoji's name but
// replaces its id with ":id", so custom emoji sharing a name share a bucket.
func isReactionEmoji(segments []string, i int) bool {
	if i < 2 || segments[i-1] != "reactions" {
		return false
	}
	for j := 0; j < i-1; j++ {
		if segments[j] == "messages" {
			return true
		}
	}
	return false
}

func normalizeEmoji(seg string) string {
	if idx := strings.LastIndex(seg, ":"); idx >= 0 {
		return seg[:idx] + ":id"
	}
	return seg
}

func looksLikeSnowflake(seg string) bool {
	if len(seg) < 15 || len(seg) > 20 {
		return false
	}
	return isAllDigits(seg)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

// isInteractionRoute reports whether path belongs to the interaction-callback
// family exempted from long-lived bucket TTLs (spec.md §4.5): an interaction
// token is only valid for 15 minutes, so buckets keyed on it never need to
// survive past that window regardless of configured BUCKET_TTL.
func isInteractionRoute(path string) bool {
	trimmed := strings.Trim(path, "/")
	segments := strings.Split(trimmed, "/")
	segments = trimAPIVersionPrefix(segments)
	if len(segments) == 0 {
		return false
	}
	for _, prefix := range interactionRoutePrefixes {
		if segments[0] == prefix {
			return true
		}
	}
	return false
}
