// Package runner talks to the external asynchronous extraction service. The
// service accepts a run, executes it over minutes, and reports completion via
// webhook; results land in a dataset fetched separately.
package runner

import (
	"context"
	"strings"
)

// Run status values reported by the runner. Anything other than SUCCEEDED is
// treated as failure.
const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusAborted   = "ABORTED"
	StatusTimedOut  = "TIMED-OUT"
	StatusRunning   = "RUNNING"
	StatusReady     = "READY"
)

// Webhook event types delivered to the completion callback.
const (
	EventRunSucceeded = "RUN_SUCCEEDED"
	EventRunFailed    = "RUN_FAILED"
)

// NormalizeEvent maps a webhook eventType to one of the two canonical events.
// Apify prefixes its event names ("ACTOR.RUN.SUCCEEDED"); both spellings are
// accepted. Unrelated event types normalize to the empty string.
func NormalizeEvent(eventType string) string {
	switch {
	case strings.HasSuffix(eventType, "RUN.SUCCEEDED"), eventType == EventRunSucceeded:
		return EventRunSucceeded
	case strings.HasSuffix(eventType, "RUN.FAILED"),
		strings.HasSuffix(eventType, "RUN.ABORTED"),
		strings.HasSuffix(eventType, "RUN.TIMED_OUT"),
		eventType == EventRunFailed:
		return EventRunFailed
	default:
		return ""
	}
}

// StartRequest describes one extraction run.
type StartRequest struct {
	Source    string
	Target    string
	ItemCount int
}

// Run is the runner's view of a run.
type Run struct {
	ID        string
	Status    string
	DatasetID string // artifact reference; stable locator for the results
	Error     string
}

// Succeeded reports whether the run finished successfully.
func (r *Run) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Item is one extracted record. Source payloads vary per platform, so items
// stay schemaless with typed accessors for the fields callers need.
type Item map[string]any

// String returns the first non-empty string value among the candidate keys.
// Keys may use a dotted path ("owner.username") to reach nested objects.
func (it Item) String(keys ...string) string {
	for _, key := range keys {
		if v := it.lookup(key); v != nil {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// Number returns the first numeric value among the candidate keys.
func (it Item) Number(keys ...string) (float64, bool) {
	for _, key := range keys {
		switch v := it.lookup(key).(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}

// Bool returns the first boolean value among the candidate keys.
func (it Item) Bool(keys ...string) bool {
	for _, key := range keys {
		if v, ok := it.lookup(key).(bool); ok {
			return v
		}
	}
	return false
}

func (it Item) lookup(key string) any {
	if !strings.Contains(key, ".") {
		return it[key]
	}
	var cur any = map[string]any(it)
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// Client is the runner API surface the orchestrator depends on.
type Client interface {
	// StartRun asks the runner to start a job and register the completion
	// webhook, returning the runner-assigned run id.
	StartRun(ctx context.Context, req StartRequest) (string, error)
	// GetRun fetches the current state of a run.
	GetRun(ctx context.Context, runID string) (*Run, error)
	// ListItems fetches the result items for a dataset.
	ListItems(ctx context.Context, datasetID string) ([]Item, error)
}
