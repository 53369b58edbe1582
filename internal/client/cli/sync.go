package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dmitrijs2005/gophvault/internal/client/conflicts"
	"github.com/dmitrijs2005/gophvault/internal/client/models"
)

const timeLayout = "2006-01-02 15:04:05"

func (a *App) Sync(ctx context.Context) error {
	if err := a.sess.TriggerSync(ctx); err != nil {
		return err
	}
	if !a.sess.IsOnline() {
		a.printf("Offline, changes stay queued\n")
	}
	return nil
}

func (a *App) Status(ctx context.Context) error {
	st := a.sess.State()
	conn := "offline"
	if st.Online {
		conn = "online"
	}
	last := "never"
	if !st.LastSyncTime.IsZero() {
		last = st.LastSyncTime.Local().Format(timeLayout)
	}

	a.printf("user:      %s (%s)\n", a.userName, a.sess.Device())
	a.printf("server:    %s\n", conn)
	a.printf("syncing:   %t\n", st.Syncing)
	a.printf("pending:   %d\n", st.PendingChanges)
	a.printf("conflicts: %d\n", len(a.sess.Conflicts()))
	a.printf("last sync: %s\n", last)
	return nil
}

func (a *App) Pending(ctx context.Context) error {
	changes, err := a.sess.Pending(ctx)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		a.printf("Queue is empty\n")
		return nil
	}
	for _, c := range changes {
		line := fmt.Sprintf("%d  %-6s %s/%s  retries=%d", c.Seq, c.Operation, c.Table, c.RecordID, c.Retries)
		if c.Exhausted() {
			line += " (gave up)"
		}
		if c.LastError != nil {
			line += "  " + *c.LastError
		}
		a.printf("%s\n", line)
	}
	return nil
}

func (a *App) Retry(ctx context.Context) error {
	n, err := a.sess.RetryExhausted(ctx)
	if err != nil {
		return err
	}
	a.printf("%d changes will be retried\n", n)
	return nil
}

func (a *App) Conflicts(ctx context.Context) error {
	batch := a.sess.Conflicts()
	if len(batch) == 0 {
		a.printf("No conflicts\n")
		return nil
	}
	for _, it := range batch {
		a.printConflict(it)
	}
	return nil
}

func (a *App) printConflict(it models.ConflictItem) {
	remote := "deleted"
	if !it.RemoteDeleted() {
		remote = fmt.Sprintf("changed %s on %s", it.Remote.UpdatedAt.Local().Format(timeLayout), it.Remote.Device)
	}
	a.printf("%s  %s/%s %q: remote %s\n", it.ID, it.Table, it.RecordID, it.Title, remote)
}

// Resolve walks the conflict batch and asks for a choice per item, or
// applies one choice to all of them with "resolve all <choice>".
func (a *App) Resolve(ctx context.Context, args []string) error {
	if len(a.sess.Conflicts()) == 0 {
		a.printf("No conflicts\n")
		return nil
	}

	if len(args) > 0 {
		if len(args) != 2 || args[0] != "all" {
			return usage("resolve [all local|remote|merge|both]")
		}
		res, err := models.ParseResolution(args[1])
		if err != nil {
			return err
		}
		if err := a.sess.ResolveAll(ctx, res); err != nil {
			return err
		}
		a.printf("Resolved\n")
		return nil
	}

	choices := map[string]models.Resolution{}
	for _, it := range a.sess.Conflicts() {
		a.printConflict(it)
		if _, diff, err := a.sess.DiffConflict(it.ID); err == nil && diff != "" {
			a.printf("%s\n", diff)
		}
		for {
			answer, err := getSimpleText(a.reader, "Keep local, remote, merge or both?", a.out)
			if err != nil {
				return err
			}
			res, err := models.ParseResolution(strings.TrimSpace(answer))
			if err == nil {
				choices[it.ID] = res
				break
			}
			a.printf("%v\n", err)
		}
	}

	if err := a.sess.ApplyResolutions(ctx, choices); err != nil {
		return fmt.Errorf("resolutions not applied: %w", err)
	}
	a.printf("Resolved %d conflicts\n", len(choices))
	return nil
}

// Stash lists the local versions kept by merge resolutions or drops one.
func (a *App) Stash(ctx context.Context, args []string) error {
	if len(args) == 2 && args[0] == "drop" {
		if err := a.sess.DropStashEntry(ctx, args[1]); err != nil {
			return err
		}
		a.printf("Dropped %s\n", args[1])
		return nil
	}
	if len(args) != 0 {
		return usage("stash [drop <id>]")
	}

	entries, err := a.sess.MergeStash(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		a.printf("Stash is empty\n")
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StashedAt.Before(entries[j].StashedAt) })
	for _, e := range entries {
		a.printf("%s  %s/%s stashed %s\n", e.ID, e.Table, e.RecordID, e.StashedAt.Local().Format(timeLayout))
		local, remote := conflicts.ItemText(models.ConflictItem{
			Table:  e.Table,
			Local:  models.Version{Content: e.Local},
			Remote: models.Version{Content: e.Remote},
		})
		if diff := conflicts.RenderDiff(local, remote); diff != "" {
			a.printf("%s\n", diff)
		}
	}
	return nil
}
