// Package upload coordinates direct-to-storage uploads: presigned credential
// issuance, per-user quota accounting, the upload session lifecycle, and
// post-upload integrity verification.
package upload

import (
	"time"
)

// Status is the lifecycle state of an upload session.
type Status string

// Session states. The success path is pending → uploaded → confirmed →
// processing → ready. All other states are terminal.
const (
	StatusPending    Status = "pending"    // credential issued, nothing in storage yet
	StatusUploaded   Status = "uploaded"   // client reports the PUT finished
	StatusConfirmed  Status = "confirmed"  // integrity verified, finalize job queued
	StatusProcessing Status = "processing" // finalize worker owns the session
	StatusReady      Status = "ready"      // song asset created, quota confirmed
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// transitions is the full table of legal state changes.
var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusUploaded: true, StatusExpired: true, StatusCancelled: true},
	StatusUploaded:   {StatusConfirmed: true, StatusFailed: true, StatusExpired: true, StatusCancelled: true},
	StatusConfirmed:  {StatusProcessing: true, StatusFailed: true, StatusExpired: true},
	StatusProcessing: {StatusReady: true, StatusFailed: true},
}

// CanTransition reports whether moving from one status to another is legal.
// It is a pure function: rejection has no side effects anywhere.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Terminal reports whether a session in this status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusReady, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// HoldsReservation reports whether a session in this status still counts
// against the owner's pending quota.
func (s Status) HoldsReservation() bool {
	switch s {
	case StatusPending, StatusUploaded, StatusConfirmed, StatusProcessing:
		return true
	}
	return false
}

// Session is one attempt to upload one object. Clients never mutate a
// session directly; only the issuer, verifier, finalize worker, and
// reconciler do.
type Session struct {
	ID             string            `json:"id"`
	UserID         string            `json:"userId"`
	FileName       string            `json:"fileName"`
	FileSize       int64             `json:"fileSize"`
	ContentType    string            `json:"contentType,omitempty"`
	StorageKey     string            `json:"fileKey"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         Status            `json:"status"`
	StatusMessage  string            `json:"statusMessage,omitempty"`
	Confirmed      bool              `json:"confirmed"`
	ClientChecksum string            `json:"-"`
	SongID         *string           `json:"songId,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	ConfirmedAt    *time.Time        `json:"confirmedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	ExpiresAt      time.Time         `json:"expiresAt"`
}

// CanConfirm reports whether a confirm call would be accepted right now.
// A still-pending session is auto-promoted to uploaded on the first confirm
// call, so it counts too.
func (s *Session) CanConfirm(now time.Time) bool {
	return (s.Status == StatusUploaded || s.Status == StatusPending) && now.Before(s.ExpiresAt)
}
