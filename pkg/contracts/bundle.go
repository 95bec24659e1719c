package contracts

import "time"

// BundleRetention is how long export bundles stay downloadable before the
// housekeeping sweep removes the stored object.
const BundleRetention = 30 * 24 * time.Hour

// ExportBundle is the record of one packaged evidence archive.
type ExportBundle struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	StorageKey string    `json:"storage_key"`
	Size       int64     `json:"size"`
	// Checksum is "sha256:<hex>" over the exact archive bytes stored.
	Checksum  string    `json:"checksum"`
	Format    string    `json:"format"` // always "zip" today
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is CreatedAt + BundleRetention, enforced by housekeeping.
	ExpiresAt time.Time `json:"expires_at"`
	Expired   bool      `json:"expired,omitempty"`
}

// DownloadToken is a single-use, time-boxed credential for one stored
// object. Kept forever as audit evidence; never reused across requests.
type DownloadToken struct {
	Token     string     `json:"token"` // opaque, unguessable
	RequestID string     `json:"request_id"`
	ObjectKey string     `json:"object_key"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Usable reports whether the token could still be redeemed at now.
// The authoritative check is the store's atomic check-and-set; this is
// for display only.
func (t *DownloadToken) Usable(now time.Time) bool {
	return !t.Revoked && t.UsedAt == nil && now.Before(t.ExpiresAt)
}
