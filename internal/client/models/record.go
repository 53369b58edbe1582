package models

import "time"

// Record is one row of the local replica.
type Record struct {
	Table string
	ID    string
	Data  Fields
	// UpdatedAt is the server timestamp of the last remote state this
	// replica saw for the record; zero until the server confirmed it once.
	UpdatedAt time.Time
	Device    string
	Deleted   bool
}

// Snapshot is a remote record state carried by a change event or returned
// by a remote write.
type Snapshot struct {
	ID        string
	Data      Fields
	UpdatedAt time.Time
	Device    string
}

// Observation is the newest remote state seen for a record. A nil Snapshot
// means the record was deleted remotely.
type Observation struct {
	Table     string
	RecordID  string
	Snapshot  *Snapshot
	UpdatedAt time.Time
	Device    string
}

func (o *Observation) Deleted() bool { return o.Snapshot == nil }

// StashEntry keeps the local content of a conflict resolved with Merge so
// the user can reconcile it by hand later.
type StashEntry struct {
	ID        string
	Table     string
	RecordID  string
	Local     Fields
	Remote    Fields
	StashedAt time.Time
}

// Blob upload states.
const (
	BlobPending  = "pending"
	BlobUploaded = "uploaded"
)

// Blob is a local file attached to a photo or file record.
type Blob struct {
	Table        string
	RecordID     string
	LocalPath    string
	ContentType  string
	Size         int64
	StorageKey   string
	UploadStatus string
}
