// Package validate checks that extraction results plausibly belong to the
// requested target before any billing happens. A run can succeed technically
// while scraping the wrong account; those results must never be charged.
package validate

import (
	"fmt"
	"strings"

	"github.com/postpull/postpull/internal/runner"
)

// identifierFields maps each source to the ordered list of item fields that
// may carry the author identifier. The first field present on an item wins.
// Kept declarative so per-source quirks live in one place.
var identifierFields = map[string][]string{
	"instagram": {"ownerUsername", "username", "owner.username", "ownerFullName"},
	"tiktok":    {"authorMeta.name", "authorUniqueId", "author.uniqueId", "authorMeta.nickName"},
	"twitter":   {"author.userName", "author.username", "user.screen_name", "username"},
	"youtube":   {"channelUsername", "channelName", "channel.title", "author"},
}

// matchThreshold is the minimum fraction of items that must match the
// expected identifier. Exactly half passes: occasional cross-posted or
// reposted content is tolerated, a majority mismatch means a wrong target.
const matchThreshold = 0.5

// Result reports the outcome of validation.
type Result struct {
	Valid        bool
	MatchedCount int
	Detail       string
}

// ExpectedIdentifier extracts the identifier to match from a requested
// target: URL scheme/host prefixes and a leading @ are stripped, the result
// lowercased. "https://www.instagram.com/acme/" and "@Acme" both yield "acme".
func ExpectedIdentifier(target string) string {
	t := strings.TrimSpace(target)
	if i := strings.Index(t, "://"); i >= 0 {
		t = t[i+3:]
		if j := strings.Index(t, "/"); j >= 0 {
			t = t[j+1:]
		}
	}
	t = strings.Trim(t, "/")
	if i := strings.Index(t, "/"); i >= 0 {
		t = t[:i]
	}
	if i := strings.IndexAny(t, "?#"); i >= 0 {
		t = t[:i]
	}
	t = strings.TrimPrefix(t, "@")
	return strings.ToLower(t)
}

// identifierMatches reports whether an item identifier and the expected one
// agree: case-insensitive substring containment in either direction, so both
// truncated and decorated handles count.
func identifierMatches(got, expected string) bool {
	if got == "" || expected == "" {
		return false
	}
	got = strings.ToLower(got)
	return strings.Contains(got, expected) || strings.Contains(expected, got)
}

// Items checks result items against the requested target. An empty item set
// is invalid. Validation passes when at least half the items carry the
// expected identifier.
func Items(source, target string, items []runner.Item) Result {
	if len(items) == 0 {
		return Result{Detail: "no items returned"}
	}

	expected := ExpectedIdentifier(target)
	if expected == "" {
		return Result{Detail: fmt.Sprintf("cannot extract identifier from target %q", target)}
	}

	fields, ok := identifierFields[source]
	if !ok {
		return Result{Detail: fmt.Sprintf("no identifier fields known for source %q", source)}
	}

	matched := 0
	for _, item := range items {
		if identifierMatches(item.String(fields...), expected) {
			matched++
		}
	}

	ratio := float64(matched) / float64(len(items))
	if ratio < matchThreshold {
		return Result{
			MatchedCount: matched,
			Detail: fmt.Sprintf("only %d of %d items match identifier %q (%.0f%% < 50%%)",
				matched, len(items), expected, ratio*100),
		}
	}
	return Result{Valid: true, MatchedCount: matched}
}
