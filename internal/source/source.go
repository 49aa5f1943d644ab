// Package source defines the capability used to enumerate and export
// items from the backed-up collection. The collection is read-only:
// enumerators never mutate it.
package source

import (
	"context"
	"time"

	"github.com/chmdznr/mediasync/pkg/models"
)

// Filter selects a subset of the collection by date. The zero value
// matches the full library.
type Filter struct {
	From time.Time
	To   time.Time
}

// Matches reports whether an item with the given date passes the filter.
func (f Filter) Matches(date time.Time) bool {
	if !f.From.IsZero() && date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && date.After(f.To) {
		return false
	}
	return true
}

// Item is one exported item's content. CompanionData carries paired
// bytes for composite assets (e.g. the video half of a live photo).
type Item struct {
	Name          string
	Data          []byte
	CompanionData []byte
}

// Enumerator lists and exports items from a collection.
type Enumerator interface {
	// Authorize acquires (or validates) read access to the collection.
	Authorize() error
	// Enumerate lazily streams item references matching the filter. The
	// items channel is closed when enumeration finishes; a non-nil error
	// is delivered on errc at most once.
	Enumerate(ctx context.Context, filter Filter) (items <-chan models.ItemRef, errc <-chan error)
	// Export returns the bytes of one item.
	Export(ctx context.Context, localID string) (*Item, error)
}
