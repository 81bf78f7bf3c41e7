package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/kjk/warehouse/log"
	"github.com/kjk/warehouse/warehouse"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config describes S3-compatible storage for snapshots
type Config struct {
	Access   string
	Secret   string
	Bucket   string
	Endpoint string
	Region   string
	// use http instead of https, for local minio servers
	Insecure     bool
	RequestTrace io.Writer
}

// Client uploads and downloads warehouse snapshots
type Client struct {
	Client *minio.Client
	Bucket string
	config *Config
}

// New creates a client and checks that the bucket exists
func New(ctx context.Context, config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("must provide config")
	}
	c := config
	if c.Access == "" || c.Secret == "" || c.Bucket == "" || c.Endpoint == "" {
		return nil, errors.New("must provide all fields in config")
	}

	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Access, c.Secret, ""),
		Region: c.Region,
		Secure: !c.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if c.RequestTrace != nil {
		mc.TraceOn(c.RequestTrace)
	}
	found, err := mc.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bucket '%s' doesn't exist", c.Bucket)
	}
	return &Client{
		Client: mc,
		Bucket: c.Bucket,
		config: config,
	}, nil
}

// Upload exports a snapshot of wh and stores it as remotePath.
// Compression is based on extension of remotePath.
func (c *Client) Upload(ctx context.Context, remotePath string, wh *warehouse.Warehouse) (*Manifest, error) {
	// TODO: stream with io.Pipe() instead of buffering the whole snapshot
	var buf bytes.Buffer
	m, err := ExportWarehouse(&buf, wh, CompressionFromName(remotePath))
	if err != nil {
		return nil, err
	}
	opts := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"files":   strconv.Itoa(len(m.Files)),
			"created": strconv.FormatInt(m.CreatedMs, 10),
		},
	}
	r := bytes.NewReader(buf.Bytes())
	_, err = c.Client.PutObject(ctx, c.Bucket, remotePath, r, int64(buf.Len()), opts)
	if err != nil {
		return nil, fmt.Errorf("upload of '%s' failed: %w", remotePath, err)
	}
	log.Logf("uploaded snapshot '%s', %d files, %d bytes\n", remotePath, len(m.Files), buf.Len())
	return m, nil
}

// Download restores snapshot stored as remotePath into dir
func (c *Client) Download(ctx context.Context, remotePath string, dir string) (*Manifest, error) {
	obj, err := c.Client.GetObject(ctx, c.Bucket, remotePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return Restore(obj, dir, CompressionFromName(remotePath))
}

// Exists returns true if remotePath exists in the bucket
func (c *Client) Exists(ctx context.Context, remotePath string) bool {
	_, err := c.Client.StatObject(ctx, c.Bucket, remotePath, minio.StatObjectOptions{})
	return err == nil
}

// List returns objects whose name starts with prefix
func (c *Client) List(ctx context.Context, prefix string) ([]minio.ObjectInfo, error) {
	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}
	var res []minio.ObjectInfo
	for oi := range c.Client.ListObjects(ctx, c.Bucket, opts) {
		if oi.Err != nil {
			return nil, oi.Err
		}
		res = append(res, oi)
	}
	return res, nil
}

// Remove deletes remotePath
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	return c.Client.RemoveObject(ctx, c.Bucket, remotePath, minio.RemoveObjectOptions{})
}
