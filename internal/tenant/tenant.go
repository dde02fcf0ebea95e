// Package tenant turns a tenant's stored profile and content into the system
// prompt used for its voice sessions.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by a Store when the tenant record does not exist.
var ErrNotFound = errors.New("tenant not found")

// Document is an untyped record as returned by the document store.
type Document map[string]any

// Store is the read-only tenant document store.
type Store interface {
	// GetTenant returns the tenant record, or ErrNotFound.
	GetTenant(ctx context.Context, tenantID string) (Document, error)
	// ListContent returns the tenant's screens, each carrying its posts.
	ListContent(ctx context.Context, tenantID string) ([]Document, error)
}

// Sample limits.
const (
	maxRecentPosts = 5
	maxRecentMedia = 5
	maxPages       = 5
	maxTags        = 10
	maxTemplates   = 5
)

// Post is a scheduled item on one of the tenant's screens.
type Post struct {
	Headline  string
	Body      string
	Layout    string
	Screen    string
	StartDate time.Time // zero when missing or unparseable
}

// MediaItem is an entry in the tenant's media library.
type MediaItem struct {
	Name      string
	Kind      string
	CreatedAt time.Time
}

// Context is the read-only snapshot a prompt is rendered from.
type Context struct {
	ID                  string
	DisplayName         string
	BusinessTypes       []string
	BusinessDescription string
	Website             string
	ToneOfVoice         []string
	StyleSummary        string

	RecentPosts []Post
	RecentMedia []MediaItem
	Pages       []string
	Tags        []string
	Templates   []string
}

// FromDocument maps a tenant record, and the content documents fetched for
// it, onto a Context. It never fails: absent or oddly shaped fields become
// empty values. When content is empty the record's own "screens" are used.
func FromDocument(id string, doc Document, content []Document) Context {
	c := Context{
		ID:                  id,
		DisplayName:         firstString(doc, "brandName", "name", "displayName"),
		BusinessTypes:       stringList(doc["businessType"]),
		BusinessDescription: str(doc["businessDescription"]),
		Website:             firstString(doc, "website", "websiteUrl"),
		ToneOfVoice:         stringList(doc["toneOfVoice"]),
	}
	if style, ok := asMap(doc["styleProfile"]); ok {
		c.StyleSummary = str(style["summary"])
	}

	screens := content
	if len(screens) == 0 {
		screens = docList(doc["screens"])
	}
	c.RecentPosts = recentPosts(screens)
	c.RecentMedia = recentMedia(docList(doc["mediaLibrary"]))

	for _, p := range docList(doc["customPages"]) {
		if len(c.Pages) == maxPages {
			break
		}
		c.Pages = append(c.Pages, firstString(p, "title", "name"))
	}
	for _, t := range anyList(doc["tags"]) {
		if len(c.Tags) == maxTags {
			break
		}
		if m, ok := asMap(t); ok {
			c.Tags = append(c.Tags, firstString(m, "text", "name"))
		} else {
			c.Tags = append(c.Tags, str(t))
		}
	}
	for _, t := range docList(doc["postTemplates"]) {
		if len(c.Templates) == maxTemplates {
			break
		}
		c.Templates = append(c.Templates, firstString(t, "templateName", "name", "title"))
	}

	return c
}

func recentPosts(screens []Document) []Post {
	var posts []Post
	for _, screen := range screens {
		screenName := str(screen["name"])
		for _, p := range docList(screen["posts"]) {
			posts = append(posts, Post{
				Headline:  firstString(p, "headline", "title"),
				Body:      str(p["body"]),
				Layout:    str(p["layout"]),
				Screen:    screenName,
				StartDate: parseTime(p["startDate"]),
			})
		}
	}
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].StartDate.After(posts[j].StartDate)
	})
	if len(posts) > maxRecentPosts {
		posts = posts[:maxRecentPosts]
	}
	return posts
}

func recentMedia(items []Document) []MediaItem {
	media := make([]MediaItem, 0, len(items))
	for _, m := range items {
		media = append(media, MediaItem{
			Name:      firstString(m, "name", "fileName"),
			Kind:      str(m["type"]),
			CreatedAt: parseTime(m["createdAt"]),
		})
	}
	sort.SliceStable(media, func(i, j int) bool {
		return media[i].CreatedAt.After(media[j].CreatedAt)
	})
	if len(media) > maxRecentMedia {
		media = media[:maxRecentMedia]
	}
	return media
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts time values, RFC 3339 and date strings, and epoch
// milliseconds. Anything else is the zero time, which sorts as earliest.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC()
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	case float64:
		return time.UnixMilli(int64(t)).UTC()
	case int64:
		return time.UnixMilli(t).UTC()
	case int:
		return time.UnixMilli(int64(t)).UTC()
	case map[string]any:
		// Firestore-style {"seconds": n, "nanoseconds": n}
		if secs, ok := t["seconds"].(float64); ok {
			nanos, _ := t["nanoseconds"].(float64)
			return time.Unix(int64(secs), int64(nanos)).UTC()
		}
	}
	return time.Time{}
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case nil:
		return ""
	case fmt.Stringer:
		return strings.TrimSpace(s.String())
	}
	return ""
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(doc[k]); s != "" {
			return s
		}
	}
	return ""
}

// stringList accepts a single string or a list of strings.
func stringList(v any) []string {
	if s := str(v); s != "" {
		return []string{s}
	}
	var out []string
	for _, item := range anyList(v) {
		if s := str(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func anyList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out
	case []Document:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = map[string]any(m)
		}
		return out
	}
	return nil
}

func docList(v any) []Document {
	var out []Document
	for _, item := range anyList(v) {
		if m, ok := asMap(item); ok {
			out = append(out, m)
		}
	}
	return out
}

func asMap(v any) (Document, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	}
	return nil, false
}
