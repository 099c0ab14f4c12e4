package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/postpull/postpull/internal/runner"
)

func parse(t *testing.T, out string) [][]string {
	t.Helper()
	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	return records
}

func TestRenderInstagram(t *testing.T) {
	items := []runner.Item{
		{
			"id":            "p1",
			"url":           "https://instagram.com/p/p1",
			"ownerUsername": "nasa",
			"caption":       "Launch day! #space #rocket with @esa",
			"timestamp":     "2026-08-20T12:00:00Z",
			"likesCount":    float64(1200),
			"commentsCount": float64(34),
		},
		{
			// Fallback fields only.
			"shortCode": "p2",
			"owner":     map[string]any{"username": "nasa"},
			"text":      "no tags here",
			"likes":     float64(5),
		},
	}

	var buf bytes.Buffer
	if err := Render(&buf, "instagram", items); err != nil {
		t.Fatalf("render: %v", err)
	}
	records := parse(t, buf.String())
	if len(records) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(records))
	}
	if records[0][0] != "post_id" || records[0][2] != "owner" {
		t.Errorf("header = %v", records[0])
	}

	first := records[1]
	if first[0] != "p1" || first[2] != "nasa" {
		t.Errorf("row 1 = %v", first)
	}
	if first[5] != "1200" {
		t.Errorf("likes = %q, want 1200", first[5])
	}
	if first[8] != "space rocket" {
		t.Errorf("hashtags = %q, want %q", first[8], "space rocket")
	}
	if first[9] != "esa" {
		t.Errorf("mentions = %q, want esa", first[9])
	}

	second := records[2]
	if second[0] != "p2" {
		t.Errorf("fallback post id = %q, want p2", second[0])
	}
	if second[2] != "nasa" {
		t.Errorf("nested owner fallback = %q, want nasa", second[2])
	}
	if second[8] != "" || second[9] != "" {
		t.Errorf("tags for untagged caption = %q/%q, want empty", second[8], second[9])
	}
}

func TestRenderTikTokNestedStats(t *testing.T) {
	items := []runner.Item{
		{
			"id":    "v1",
			"text":  "dance #fyp",
			"stats": map[string]any{"playCount": float64(99000), "diggCount": float64(1500)},
			"authorMeta": map[string]any{
				"name": "charli",
			},
		},
	}
	var buf bytes.Buffer
	if err := Render(&buf, "tiktok", items); err != nil {
		t.Fatalf("render: %v", err)
	}
	records := parse(t, buf.String())
	row := records[1]
	if row[2] != "charli" {
		t.Errorf("author = %q, want charli", row[2])
	}
	if row[5] != "99000" || row[6] != "1500" {
		t.Errorf("plays/likes = %q/%q", row[5], row[6])
	}
	if row[9] != "fyp" {
		t.Errorf("hashtags = %q, want fyp", row[9])
	}
}

func TestRenderUnknownSource(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, "myspace", nil); err == nil {
		t.Error("expected error for unmapped source")
	}
}

func TestRenderEmptyItems(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, "twitter", nil); err != nil {
		t.Fatalf("render: %v", err)
	}
	records := parse(t, buf.String())
	if len(records) != 1 {
		t.Errorf("rows = %d, want header only", len(records))
	}
}

func TestFilename(t *testing.T) {
	got := Filename("instagram", "job-1")
	if got != "postpull_instagram_job-1.csv" {
		t.Errorf("filename = %q", got)
	}
}
