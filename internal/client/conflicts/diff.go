package conflicts

import (
	"strings"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/sergi/go-diff/diffmatchpatch"
)

type DiffLine struct {
	Index     int
	Local     string
	Remote    string
	Different bool
}

// Diff compares two texts line by line by position. A line missing on one
// side is compared as empty. The result is advisory.
func Diff(local, remote string) []DiffLine {
	l := strings.Split(local, "\n")
	r := strings.Split(remote, "\n")

	n := max(len(l), len(r))
	out := make([]DiffLine, n)
	for i := 0; i < n; i++ {
		var a, b string
		if i < len(l) {
			a = l[i]
		}
		if i < len(r) {
			b = r[i]
		}
		out[i] = DiffLine{Index: i, Local: a, Remote: b, Different: a != b}
	}
	return out
}

// RenderDiff shows the character-level edits turning local into remote,
// coloured for a terminal.
func RenderDiff(local, remote string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(local, remote, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs)
}

// ItemText returns the comparable text of both sides of a conflict.
func ItemText(item models.ConflictItem) (local, remote string) {
	return payloadText(item.Table, item.Local.Content), payloadText(item.Table, item.Remote.Content)
}

func payloadText(table string, f models.Fields) string {
	if f == nil {
		return ""
	}
	p, err := models.Decode(table, f)
	if err != nil {
		return ""
	}
	return p.Text()
}
