package proto

import (
	"encoding/json"
	"time"
)

type PingRequest struct{}

type PingResponse struct {
	Status string `json:"status" pb:"1"`
}

type RegisterUserRequest struct {
	Username string `json:"username" pb:"1"`
	Salt     []byte `json:"salt" pb:"2"`
	Verifier []byte `json:"verifier" pb:"3"`
}

type RegisterUserResponse struct {
	UserID string `json:"user_id" pb:"1"`
}

type GetSaltRequest struct {
	Username string `json:"username" pb:"1"`
}

type GetSaltResponse struct {
	Salt []byte `json:"salt" pb:"1"`
}

type LoginRequest struct {
	Username          string `json:"username" pb:"1"`
	VerifierCandidate []byte `json:"verifier_candidate" pb:"2"`
}

type LoginResponse struct {
	AccessToken  string `json:"access_token" pb:"1"`
	RefreshToken string `json:"refresh_token" pb:"2"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" pb:"1"`
}

type RefreshTokenResponse struct {
	AccessToken  string `json:"access_token" pb:"1"`
	RefreshToken string `json:"refresh_token" pb:"2"`
}

// Record is a server-side record snapshot. Data is the opaque JSON object
// written by clients; UpdatedAt is assigned by the server clock.
type Record struct {
	Table     string          `json:"table" pb:"1"`
	ID        string          `json:"id" pb:"2"`
	Data      json.RawMessage `json:"data,omitempty" pb:"3"`
	UpdatedAt time.Time       `json:"updated_at" pb:"4"`
	Device    string          `json:"device,omitempty" pb:"5"`
	Deleted   bool            `json:"deleted,omitempty" pb:"6"`
}

type CreateRecordRequest struct {
	Table string          `json:"table" pb:"1"`
	ID    string          `json:"id" pb:"2"`
	Data  json.RawMessage `json:"data" pb:"3"`
}

type CreateRecordResponse struct {
	Record *Record `json:"record" pb:"1"`
}

// UpdateRecordRequest merges Fields into the stored object key by key.
type UpdateRecordRequest struct {
	Table  string          `json:"table" pb:"1"`
	ID     string          `json:"id" pb:"2"`
	Fields json.RawMessage `json:"fields" pb:"3"`
}

type UpdateRecordResponse struct {
	Record *Record `json:"record" pb:"1"`
}

type DeleteRecordRequest struct {
	Table string `json:"table" pb:"1"`
	ID    string `json:"id" pb:"2"`
}

type DeleteRecordResponse struct {
	Record *Record `json:"record,omitempty" pb:"1"`
}

type PresignUploadRequest struct {
	Table       string `json:"table" pb:"1"`
	ID          string `json:"id" pb:"2"`
	ContentType string `json:"content_type,omitempty" pb:"3"`
}

type PresignUploadResponse struct {
	Key string `json:"key" pb:"1"`
	URL string `json:"url" pb:"2"`
}

type PresignDownloadRequest struct {
	Key string `json:"key" pb:"1"`
}

type PresignDownloadResponse struct {
	URL string `json:"url" pb:"1"`
}

type SubscribeRequest struct {
	// Tables limits the stream; empty means every table.
	Tables []string `json:"tables,omitempty" pb:"1"`
	// Since asks the server to first replay the current state of every
	// record changed after it. The zero time replays all live records.
	Since time.Time `json:"since" pb:"2"`
}

// Change event types.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// ChangeEvent is one entry of the per-user change stream. New is nil for
// deletes and Old is nil for inserts.
type ChangeEvent struct {
	Table     string    `json:"table" pb:"1"`
	Type      string    `json:"type" pb:"2"`
	New       *Record   `json:"new,omitempty" pb:"3"`
	Old       *Record   `json:"old,omitempty" pb:"4"`
	UpdatedAt time.Time `json:"updated_at" pb:"5"`
	Device    string    `json:"device,omitempty" pb:"6"`
}
