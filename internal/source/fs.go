package source

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chmdznr/mediasync/pkg/errs"
	"github.com/chmdznr/mediasync/pkg/models"
)

// FSEnumerator enumerates a local directory tree. The item's local ID is
// its path relative to the root, with forward slashes.
type FSEnumerator struct {
	root string
}

// NewFSEnumerator creates an enumerator rooted at dir.
func NewFSEnumerator(dir string) *FSEnumerator {
	return &FSEnumerator{root: dir}
}

// Authorize checks that the root exists and is a readable directory.
func (e *FSEnumerator) Authorize() error {
	info, err := os.Stat(e.root)
	if err != nil {
		return errs.NewSource("source root not accessible", "", false, err)
	}
	if !info.IsDir() {
		return errs.NewValidation("source root is not a directory")
	}
	return nil
}

// Enumerate walks the tree and streams references for regular files
// whose modification time passes the filter.
func (e *FSEnumerator) Enumerate(ctx context.Context, filter Filter) (<-chan models.ItemRef, <-chan error) {
	items := make(chan models.ItemRef)
	errc := make(chan error, 1)

	go func() {
		defer close(items)
		err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if !filter.Matches(info.ModTime()) {
				return nil
			}
			rel, err := filepath.Rel(e.root, path)
			if err != nil {
				return err
			}
			ref := models.ItemRef{
				LocalID: filepath.ToSlash(rel),
				Date:    info.ModTime(),
				Size:    info.Size(),
			}
			select {
			case items <- ref:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errc <- errs.NewSource("enumerate source", "", false, err)
		}
	}()

	return items, errc
}

// Export reads the item's bytes from disk.
func (e *FSEnumerator) Export(ctx context.Context, localID string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(e.root, filepath.FromSlash(localID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewSource("export item", localID, false, err)
	}
	return &Item{Name: filepath.Base(path), Data: data}, nil
}
