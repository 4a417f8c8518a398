// Package song manages finalized song assets: the durable records the
// finalize pipeline produces once an upload passes content validation.
package song

import "time"

// Song is a finalized audio asset. Exactly one is created per upload
// session that reaches ready.
type Song struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	StorageKey  string    `json:"fileKey"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	ContentType string    `json:"contentType,omitempty"`
	Format      string    `json:"format"`
	Duration    *float64  `json:"durationSeconds,omitempty"`
	Title       string    `json:"title,omitempty"`
	Artist      string    `json:"artist,omitempty"`
	Checksum    string    `json:"checksumSha256"`
	CreatedAt   time.Time `json:"createdAt"`
}
