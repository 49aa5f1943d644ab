package dest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sethvargo/go-retry"

	"github.com/chmdznr/mediasync/pkg/errs"
)

// fingerprintMetaKey is the user-metadata key the fingerprint is stored
// under. MinIO canonicalizes it to "Fingerprint" when reading back.
const fingerprintMetaKey = "Fingerprint"

// minioConfig is the opaque configuration blob for KindMinio.
type minioConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	UseSSL    bool   `json:"useSSL"`
}

// MinioClient stores objects in a MinIO / S3-compatible bucket.
type MinioClient struct {
	cfg    minioConfig
	client *minio.Client
}

func newMinioClient(config string) (*MinioClient, error) {
	var cfg minioConfig
	if err := json.Unmarshal([]byte(config), &cfg); err != nil {
		return nil, errs.NewValidation("malformed minio destination config")
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errs.NewValidation("minio destination requires endpoint and bucket")
	}
	return &MinioClient{cfg: cfg}, nil
}

// Connect initializes the underlying client and checks the bucket,
// retrying transient failures with capped exponential backoff.
func (c *MinioClient) Connect(ctx context.Context) error {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	opts := minio.Options{
		Creds:        credentials.NewStaticV4(c.cfg.AccessKey, c.cfg.SecretKey, ""),
		Secure:       c.cfg.UseSSL,
		Transport:    tr,
		Region:       "auto",
		BucketLookup: minio.BucketLookupAuto,
	}

	client, err := minio.New(c.cfg.Endpoint, &opts)
	if err != nil {
		return errs.NewDestination("initialize minio client", "", false, err)
	}
	c.client = client

	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		exists, err := client.BucketExists(ctx, c.cfg.Bucket)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !exists {
			return errs.NewDestination("bucket does not exist: "+c.cfg.Bucket, "", false, nil)
		}
		return nil
	})
	if err != nil {
		if errs.CategoryOf(err) == errs.Destination {
			return err
		}
		return errs.NewDestination("connect to minio", "", true, err)
	}
	return nil
}

// Disconnect releases the client. MinIO connections are pooled by the
// transport, so there is nothing to tear down beyond dropping it.
func (c *MinioClient) Disconnect() error {
	c.client = nil
	return nil
}

// TestConnection checks bucket reachability.
func (c *MinioClient) TestConnection(ctx context.Context) error {
	if c.client == nil {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
	exists, err := c.client.BucketExists(ctx, c.cfg.Bucket)
	if err != nil {
		return errs.NewDestination("test connection", "", true, err)
	}
	if !exists {
		return errs.NewDestination("bucket does not exist: "+c.cfg.Bucket, "", false, nil)
	}
	return nil
}

func (c *MinioClient) objectName(remotePath string) string {
	if c.cfg.Prefix == "" {
		return remotePath
	}
	return strings.TrimRight(c.cfg.Prefix, "/") + "/" + strings.TrimPrefix(remotePath, "/")
}

// progressReader reports cumulative bytes read to a callback.
type progressReader struct {
	r    io.Reader
	sent int64
	fn   ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent)
		}
	}
	return n, err
}

// Upload stores data with its fingerprint attached as user metadata.
func (c *MinioClient) Upload(ctx context.Context, data []byte, remotePath, fingerprint string, onProgress ProgressFunc) (*UploadResult, error) {
	start := time.Now()
	reader := &progressReader{r: bytes.NewReader(data), fn: onProgress}

	info, err := c.client.PutObject(ctx, c.cfg.Bucket, c.objectName(remotePath), reader, int64(len(data)),
		minio.PutObjectOptions{
			UserMetadata: map[string]string{fingerprintMetaKey: fingerprint},
		})
	if err != nil {
		return nil, errs.NewDestination("upload object", remotePath, true, err)
	}
	if info.Size != int64(len(data)) {
		return nil, errs.NewDestination("uploaded size mismatch", remotePath, true, nil)
	}

	return &UploadResult{
		RemotePath:  remotePath,
		Fingerprint: fingerprint,
		Size:        info.Size,
		Duration:    time.Since(start),
	}, nil
}

// FileExists checks remote object existence.
func (c *MinioClient) FileExists(ctx context.Context, remotePath string) (bool, error) {
	meta, err := c.GetMetadata(ctx, remotePath)
	if err != nil {
		return false, err
	}
	return meta != nil, nil
}

// GetMetadata stats the object, returning nil when it is absent.
func (c *MinioClient) GetMetadata(ctx context.Context, remotePath string) (*ObjectMeta, error) {
	info, err := c.client.StatObject(ctx, c.cfg.Bucket, c.objectName(remotePath), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, errs.NewDestination("stat object", remotePath, true, err)
	}
	return &ObjectMeta{
		RemotePath:   remotePath,
		Size:         info.Size,
		ModifiedDate: info.LastModified,
		Fingerprint:  info.UserMetadata[fingerprintMetaKey],
	}, nil
}

// ListFiles lists objects under prefix (relative to the configured
// destination prefix).
func (c *MinioClient) ListFiles(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	var metas []ObjectMeta
	objects := c.client.ListObjects(ctx, c.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    c.objectName(prefix),
		Recursive: true,
	})
	base := ""
	if c.cfg.Prefix != "" {
		base = strings.TrimRight(c.cfg.Prefix, "/") + "/"
	}
	for obj := range objects {
		if obj.Err != nil {
			return nil, errs.NewDestination("list objects", prefix, true, obj.Err)
		}
		metas = append(metas, ObjectMeta{
			RemotePath:   strings.TrimPrefix(obj.Key, base),
			Size:         obj.Size,
			ModifiedDate: obj.LastModified,
		})
	}
	return metas, nil
}

// Delete removes the object.
func (c *MinioClient) Delete(ctx context.Context, remotePath string) error {
	err := c.client.RemoveObject(ctx, c.cfg.Bucket, c.objectName(remotePath), minio.RemoveObjectOptions{})
	if err != nil {
		return errs.NewDestination("delete object", remotePath, true, err)
	}
	return nil
}

// VerifyFingerprint compares the stored fingerprint metadata against the
// expected digest.
func (c *MinioClient) VerifyFingerprint(ctx context.Context, remotePath, expected string) (bool, error) {
	meta, err := c.GetMetadata(ctx, remotePath)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, errs.NewDestination("object not found", remotePath, false, nil)
	}
	return meta.Fingerprint == expected, nil
}
