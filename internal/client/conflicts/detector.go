// Package conflicts finds records changed both locally and remotely before
// the pending queue drained, and applies the user's resolutions.
package conflicts

import (
	"sync"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
)

type Observation = models.Observation

type recordKey struct {
	table string
	id    string
}

// Detector remembers remote changes made by other devices. Timestamps on
// both sides come from the server clock.
type Detector struct {
	device string

	mu   sync.Mutex
	seen map[recordKey]*Observation
}

// NewDetector ignores events stamped with device, which are echoes of this
// client's own writes.
func NewDetector(device string) *Detector {
	return &Detector{device: device, seen: map[recordKey]*Observation{}}
}

// Observe records evt unless it is an echo or older than what was already
// seen. It returns a copy of the recorded observation, or nil.
func (d *Detector) Observe(evt models.RemoteChangeEvent) *Observation {
	if evt.Device != "" && evt.Device == d.device {
		return nil
	}
	id := evt.RecordID()
	if id == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	k := recordKey{evt.Table, id}
	if cur, ok := d.seen[k]; ok && cur.UpdatedAt.After(evt.UpdatedAt) {
		return nil
	}
	obs := &Observation{Table: evt.Table, RecordID: id, UpdatedAt: evt.UpdatedAt, Device: evt.Device}
	if evt.Type != models.OpDelete && evt.New != nil {
		snap := *evt.New
		snap.Data = evt.New.Data.Clone()
		obs.Snapshot = &snap
	}
	d.seen[k] = obs
	cp := *obs
	return &cp
}

// Restore puts back an observation persisted by an earlier session.
func (d *Detector) Restore(obs *Observation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := recordKey{obs.Table, obs.RecordID}
	if cur, ok := d.seen[k]; ok && !obs.UpdatedAt.After(cur.UpdatedAt) {
		return
	}
	cp := *obs
	d.seen[k] = &cp
}

// Check reports the remote change a queued update or delete would
// overwrite: one observed after the version the change was based on.
func (d *Detector) Check(change *models.PendingChange) (*Observation, bool) {
	if change.Operation == models.OpInsert {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	obs, ok := d.seen[recordKey{change.Table, change.RecordID}]
	if !ok || !obs.UpdatedAt.After(change.BaseVersion) {
		return nil, false
	}
	cp := *obs
	return &cp, true
}

func (d *Detector) Forget(table, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, recordKey{table, id})
}

// Reset drops every observation.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = map[recordKey]*Observation{}
}
