// Package dest defines the destination client capability and its
// concrete implementations. The engine never knows which remote-store
// kind it is talking to; a stored kind discriminant selects the
// implementation.
package dest

import (
	"context"
	"fmt"
	"time"

	"github.com/chmdznr/mediasync/pkg/models"
)

// Destination kinds.
const (
	KindMinio    = "minio"
	KindLocalDir = "localdir"
)

// ObjectMeta describes one stored object.
type ObjectMeta struct {
	RemotePath   string
	Size         int64
	ModifiedDate time.Time
	Fingerprint  string
}

// UploadResult is returned by a successful upload.
type UploadResult struct {
	RemotePath  string
	Fingerprint string
	Size        int64
	Duration    time.Duration
}

// ProgressFunc receives cumulative bytes sent during an upload.
type ProgressFunc func(bytesSent int64)

// Client is the capability a remote store exposes to the engine.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	// TestConnection verifies the destination is reachable and writable
	// enough to serve a sync run.
	TestConnection(ctx context.Context) error
	// Upload stores data at remotePath. The fingerprint is recorded with
	// the object so later verification can compare without re-downloading.
	Upload(ctx context.Context, data []byte, remotePath, fingerprint string, onProgress ProgressFunc) (*UploadResult, error)
	FileExists(ctx context.Context, remotePath string) (bool, error)
	// GetMetadata returns nil (and no error) when the object is absent.
	GetMetadata(ctx context.Context, remotePath string) (*ObjectMeta, error)
	ListFiles(ctx context.Context, prefix string) ([]ObjectMeta, error)
	Delete(ctx context.Context, remotePath string) error
	VerifyFingerprint(ctx context.Context, remotePath, expected string) (bool, error)
}

// New selects a client implementation from the record's kind and opaque
// configuration blob.
func New(rec *models.DestinationRecord) (Client, error) {
	switch rec.Kind {
	case KindMinio:
		return newMinioClient(rec.Config)
	case KindLocalDir:
		return newDirClient(rec.Config)
	default:
		return nil, fmt.Errorf("unknown destination kind %q", rec.Kind)
	}
}
