package models

import "time"

// ItemRef identifies one item in the source collection.
type ItemRef struct {
	LocalID string
	// Date is the capture or last-modification date reported by the source.
	Date time.Time
	Size int64
}

// SyncedItem is the ledger record for one (LocalID, DestinationID) pair
// that has been successfully transferred.
type SyncedItem struct {
	ID             string
	LocalID        string
	RemotePath     string
	DestinationID  string
	Fingerprint    string
	SyncedAt       time.Time
	ByteSize       int64
	LastVerifiedAt *time.Time
	Metadata       string
}
