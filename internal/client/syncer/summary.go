package syncer

import (
	"context"
	"fmt"
	"strings"
)

// Summary counts what one drain cycle did.
type Summary struct {
	Synced    int
	Failed    int
	Conflicts int
	// Deferred changes waited behind a failed, exhausted or conflicting
	// change of the same record.
	Deferred  int
	Exhausted int

	Uploaded     int
	UploadFailed int

	Aborted      bool
	Disconnected bool
}

// Empty reports whether the cycle had nothing to tell the user.
func (s Summary) Empty() bool {
	return s.Synced == 0 && s.Failed == 0 && s.Conflicts == 0 && s.Uploaded == 0 && s.UploadFailed == 0
}

func (s Summary) String() string {
	out := fmt.Sprintf("%d synchronized, %d failed", s.Synced, s.Failed)
	if s.Conflicts > 0 {
		out += fmt.Sprintf(", %d conflicts", s.Conflicts)
	}
	return out
}

// Messages renders the summary as user-facing lines, skipping zero counts.
func (s Summary) Messages() []string {
	var out []string
	if s.Synced > 0 {
		out = append(out, fmt.Sprintf("%d changes synchronized", s.Synced))
	}
	if s.Failed > 0 {
		out = append(out, fmt.Sprintf("%d synchronizations failed", s.Failed))
	}
	if s.Conflicts > 0 {
		out = append(out, fmt.Sprintf("%d conflicts need resolution", s.Conflicts))
	}
	if s.Uploaded+s.UploadFailed > 0 {
		out = append(out, fmt.Sprintf("%d files uploaded, %d uploads failed", s.Uploaded, s.UploadFailed))
	}
	return out
}

// Notifier receives one summary per drain cycle that did something.
type Notifier interface {
	Notify(ctx context.Context, s Summary)
}

type NotifierFunc func(ctx context.Context, s Summary)

func (f NotifierFunc) Notify(ctx context.Context, s Summary) { f(ctx, s) }

// Join is a convenience for single-line toasts.
func (s Summary) Join(sep string) string {
	return strings.Join(s.Messages(), sep)
}
