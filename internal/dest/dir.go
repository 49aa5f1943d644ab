package dest

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chmdznr/mediasync/internal/fingerprint"
	"github.com/chmdznr/mediasync/pkg/errs"
)

// uploadChunk is the write granularity used to report upload progress.
const uploadChunk = 256 * 1024

// dirConfig is the opaque configuration blob for KindLocalDir.
type dirConfig struct {
	Root string `json:"root"`
}

// DirClient stores objects as files under a local directory, typically a
// mounted network share.
type DirClient struct {
	root string
}

func newDirClient(config string) (*DirClient, error) {
	var cfg dirConfig
	if err := json.Unmarshal([]byte(config), &cfg); err != nil {
		return nil, errs.NewValidation("malformed localdir destination config")
	}
	if cfg.Root == "" {
		return nil, errs.NewValidation("localdir destination requires root")
	}
	return &DirClient{root: cfg.Root}, nil
}

// Connect ensures the root directory exists.
func (c *DirClient) Connect(ctx context.Context) error {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return errs.NewDestination("create destination root", "", false, err)
	}
	return nil
}

func (c *DirClient) Disconnect() error { return nil }

// TestConnection verifies the root is writable.
func (c *DirClient) TestConnection(ctx context.Context) error {
	marker := filepath.Join(c.root, ".mediasync-writecheck")
	if err := os.WriteFile(marker, []byte("ok"), 0o644); err != nil {
		return errs.NewDestination("destination not writable", "", true, err)
	}
	os.Remove(marker)
	return nil
}

func (c *DirClient) path(remotePath string) string {
	return filepath.Join(c.root, filepath.FromSlash(strings.TrimPrefix(remotePath, "/")))
}

// Upload writes data to the remote path, creating parent directories and
// reporting progress per chunk written.
func (c *DirClient) Upload(ctx context.Context, data []byte, remotePath, fp string, onProgress ProgressFunc) (*UploadResult, error) {
	start := time.Now()
	path := c.path(remotePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.NewDestination("create remote directory", remotePath, true, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errs.NewDestination("create file", remotePath, true, err)
	}

	var written int64
	for written < int64(len(data)) {
		if err := ctx.Err(); err != nil {
			f.Close()
			os.Remove(path)
			return nil, err
		}
		end := written + uploadChunk
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		n, err := f.Write(data[written:end])
		written += int64(n)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, errs.NewDestination("write file", remotePath, true, err)
		}
		if onProgress != nil {
			onProgress(written)
		}
	}
	if err := f.Close(); err != nil {
		return nil, errs.NewDestination("close file", remotePath, true, err)
	}

	return &UploadResult{
		RemotePath:  remotePath,
		Fingerprint: fp,
		Size:        written,
		Duration:    time.Since(start),
	}, nil
}

// FileExists checks for the file on disk.
func (c *DirClient) FileExists(ctx context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(c.path(remotePath))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.NewDestination("stat file", remotePath, true, err)
	}
	return true, nil
}

// GetMetadata stats the file and recomputes its content fingerprint.
// Returns nil when the file is absent.
func (c *DirClient) GetMetadata(ctx context.Context, remotePath string) (*ObjectMeta, error) {
	path := c.path(remotePath)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewDestination("stat file", remotePath, true, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errs.NewDestination("open file", remotePath, true, err)
	}
	defer f.Close()
	fp, err := fingerprint.SumReader(f)
	if err != nil {
		return nil, errs.NewDestination("fingerprint file", remotePath, true, err)
	}

	return &ObjectMeta{
		RemotePath:   remotePath,
		Size:         info.Size(),
		ModifiedDate: info.ModTime(),
		Fingerprint:  fp,
	}, nil
}

// ListFiles walks the tree under prefix.
func (c *DirClient) ListFiles(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	var metas []ObjectMeta
	base := c.path(prefix)
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipAll
		}
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
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		metas = append(metas, ObjectMeta{
			RemotePath:   filepath.ToSlash(rel),
			Size:         info.Size(),
			ModifiedDate: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, errs.NewDestination("list files", prefix, true, err)
	}
	return metas, nil
}

// Delete removes the file.
func (c *DirClient) Delete(ctx context.Context, remotePath string) error {
	if err := os.Remove(c.path(remotePath)); err != nil && !os.IsNotExist(err) {
		return errs.NewDestination("delete file", remotePath, true, err)
	}
	return nil
}

// VerifyFingerprint recomputes the stored file's digest and compares.
func (c *DirClient) VerifyFingerprint(ctx context.Context, remotePath, expected string) (bool, error) {
	meta, err := c.GetMetadata(ctx, remotePath)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, errs.NewDestination("object not found", remotePath, false, nil)
	}
	return meta.Fingerprint == expected, nil
}
