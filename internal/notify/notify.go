// Package notify delivers best-effort completion messages. Notifier failures
// are logged by callers and never change a job's outcome.
package notify

import (
	"context"
	"fmt"

	"github.com/postpull/postpull/internal/store"
)

// Completion carries everything a notification needs: the artifact reference
// plus what was extracted and what it cost.
type Completion struct {
	JobID       string
	Source      string
	Target      string
	ItemCount   int
	CostCents   int64
	ArtifactRef string
}

// Notifier sends a completion message to a user.
type Notifier interface {
	JobCompleted(ctx context.Context, user *store.User, c Completion) error
}

func subject(c Completion) string {
	return fmt.Sprintf("Your %s extraction for %s is ready", c.Source, c.Target)
}

func body(c Completion) string {
	return fmt.Sprintf(
		"Extraction complete.\n\nSource: %s\nTarget: %s\nItems delivered: %d\nCharged: %d.%02d credits\n\nDownload: /api/extractions/%s/export\n",
		c.Source, c.Target, c.ItemCount, c.CostCents/100, c.CostCents%100, c.JobID,
	)
}
