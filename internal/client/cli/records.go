package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
)

func usage(cmd string) error {
	return fmt.Errorf("usage: %s", cmd)
}

func tablesHint() string {
	return "tables: " + strings.Join(models.Tables(), ", ")
}

// title returns the display label of a record, falling back to its id.
func title(table string, r *models.Record) string {
	p, err := models.Decode(table, r.Data)
	if err != nil || p.Title() == "" {
		return r.ID
	}
	return p.Title()
}

// queuedIDs returns the records of table with unsynchronized changes.
func (a *App) queuedIDs(ctx context.Context, table string) (map[string]bool, error) {
	changes, err := a.sess.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, c := range changes {
		if c.Table == table {
			out[c.RecordID] = true
		}
	}
	return out, nil
}

func (a *App) List(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w (%s)", usage("list <table>"), tablesHint())
	}
	table := args[0]

	recs, err := a.sess.List(ctx, table)
	if err != nil {
		return err
	}
	queued, err := a.queuedIDs(ctx, table)
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		a.printf("No records\n")
		return nil
	}
	for _, r := range recs {
		mark := ""
		if queued[r.ID] {
			mark = " *"
		}
		a.printf("%s  %s%s\n", r.ID, title(table, r), mark)
	}
	return nil
}

func (a *App) Show(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usage("show <table> <id>")
	}
	r, err := a.sess.Get(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	b, err := json.MarshalIndent(r.Data, "", "  ")
	if err != nil {
		return err
	}
	a.printf("%s\n", b)
	if !r.UpdatedAt.IsZero() {
		a.printf("updated %s by %s\n", r.UpdatedAt.Local().Format("2006-01-02 15:04:05"), r.Device)
	}
	return nil
}

func (a *App) Add(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w (%s)", usage("add <table>"), tablesHint())
	}
	entity, err := models.EntityFor(args[0])
	if err != nil {
		return err
	}

	fields, err := GetFields(a.reader, entity, a.out)
	if err != nil {
		return err
	}
	r, err := a.sess.Create(ctx, args[0], fields)
	if err != nil {
		return err
	}
	a.printf("Created %s\n", r.ID)
	return nil
}

func (a *App) Edit(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usage("edit <table> <id>")
	}
	entity, err := models.EntityFor(args[0])
	if err != nil {
		return err
	}
	if _, err := a.sess.Get(ctx, args[0], args[1]); err != nil {
		return err
	}

	a.printf("Leave a field empty to keep its value\n")
	fields, err := GetFields(a.reader, entity, a.out)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		a.printf("Nothing changed\n")
		return nil
	}
	if _, err := a.sess.Update(ctx, args[0], args[1], fields); err != nil {
		return err
	}
	a.printf("Updated %s\n", args[1])
	return nil
}

func (a *App) Delete(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usage("delete <table> <id>")
	}
	if err := a.sess.Delete(ctx, args[0], args[1]); err != nil {
		return err
	}
	a.printf("Deleted %s\n", args[1])
	return nil
}

func (a *App) Attach(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return usage("attach <table> <id> <path>")
	}
	b, err := a.sess.AttachBlob(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	a.printf("Staged %s (%s, %d bytes) for upload\n", b.LocalPath, b.ContentType, b.Size)
	return nil
}

func (a *App) Fetch(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return usage("fetch <table> <id> <path>")
	}
	n, err := a.sess.FetchBlob(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	a.printf("Saved %s (%d bytes)\n", args[2], n)
	return nil
}
