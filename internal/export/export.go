// Package export renders extraction results as CSV. Items are refetched from
// the runner's dataset on every request; nothing is stored locally. Each
// source has its own column mapping because the platforms share almost no
// field names.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/postpull/postpull/internal/runner"
)

// column maps one CSV header to an extractor over the raw item.
type column struct {
	header string
	value  func(it runner.Item) string
}

var (
	hashtagRe = regexp.MustCompile(`#(\w+)`)
	mentionRe = regexp.MustCompile(`@([\w.]+)`)
)

// str picks the first present string among fallback keys.
func str(keys ...string) func(runner.Item) string {
	return func(it runner.Item) string {
		return it.String(keys...)
	}
}

// num picks the first present numeric among fallback keys, rendered without
// a trailing fraction for whole values.
func num(keys ...string) func(runner.Item) string {
	return func(it runner.Item) string {
		v, ok := it.Number(keys...)
		if !ok {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

// tags extracts hashtags or mentions from the first present caption field.
// Some sources return these as lists already; the caption scan covers the
// ones that do not.
func tags(re *regexp.Regexp, captionKeys ...string) func(runner.Item) string {
	return func(it runner.Item) string {
		caption := it.String(captionKeys...)
		if caption == "" {
			return ""
		}
		matches := re.FindAllStringSubmatch(caption, -1)
		if len(matches) == 0 {
			return ""
		}
		out := make([]string, 0, len(matches))
		for _, m := range matches {
			out = append(out, strings.TrimRight(m[1], "."))
		}
		return strings.Join(out, " ")
	}
}

var columnsBySource = map[string][]column{
	"instagram": {
		{"post_id", str("id", "shortCode")},
		{"url", str("url", "postUrl")},
		{"owner", str("ownerUsername", "username", "owner.username")},
		{"caption", str("caption", "text")},
		{"posted_at", str("timestamp", "takenAt", "createdAt")},
		{"likes", num("likesCount", "likes")},
		{"comments", num("commentsCount", "comments")},
		{"video_views", num("videoViewCount", "videoPlayCount")},
		{"hashtags", tags(hashtagRe, "caption", "text")},
		{"mentions", tags(mentionRe, "caption", "text")},
	},
	"tiktok": {
		{"post_id", str("id")},
		{"url", str("webVideoUrl", "url")},
		{"author", str("authorMeta.name", "authorUniqueId", "author.uniqueId")},
		{"caption", str("text", "desc")},
		{"posted_at", str("createTimeISO", "createTime")},
		{"plays", num("playCount", "stats.playCount")},
		{"likes", num("diggCount", "stats.diggCount")},
		{"comments", num("commentCount", "stats.commentCount")},
		{"shares", num("shareCount", "stats.shareCount")},
		{"hashtags", tags(hashtagRe, "text", "desc")},
		{"mentions", tags(mentionRe, "text", "desc")},
	},
	"twitter": {
		{"post_id", str("id", "id_str")},
		{"url", str("url", "twitterUrl")},
		{"author", str("author.userName", "user.screen_name", "username")},
		{"text", str("text", "fullText", "full_text")},
		{"posted_at", str("createdAt", "created_at")},
		{"likes", num("likeCount", "favorite_count")},
		{"retweets", num("retweetCount", "retweet_count")},
		{"replies", num("replyCount", "reply_count")},
		{"hashtags", tags(hashtagRe, "text", "fullText", "full_text")},
		{"mentions", tags(mentionRe, "text", "fullText", "full_text")},
	},
	"youtube": {
		{"video_id", str("id", "videoId")},
		{"url", str("url")},
		{"channel", str("channelName", "channelUsername", "channel.name")},
		{"title", str("title")},
		{"published_at", str("date", "publishedAt", "uploadDate")},
		{"views", num("viewCount", "views")},
		{"likes", num("likes", "likeCount")},
		{"comments", num("commentsCount", "numberOfComments")},
		{"hashtags", tags(hashtagRe, "text", "description", "title")},
		{"mentions", tags(mentionRe, "text", "description")},
	},
}

// Render writes the items as CSV for the given source. Unknown sources get
// an error rather than a guessed layout.
func Render(w io.Writer, source string, items []runner.Item) error {
	cols, ok := columnsBySource[source]
	if !ok {
		return fmt.Errorf("no export mapping for source %q", source)
	}

	cw := csv.NewWriter(w)
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.header
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(cols))
	for _, it := range items {
		for i, c := range cols {
			row[i] = c.value(it)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Filename builds the attachment name for a job's deliverable.
func Filename(source, jobID string) string {
	return fmt.Sprintf("postpull_%s_%s.csv", source, jobID)
}
