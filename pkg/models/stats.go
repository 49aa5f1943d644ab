package models

import "time"

// Stats summarizes the ledger for one destination.
type Stats struct {
	SyncedItems   int64
	SyncedBytes   int64
	VerifiedItems int64
	LastSyncedAt  *time.Time
}
