package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds S3/MinIO client configuration.
type Config struct {
	Endpoint        string // "localhost:9000" for MinIO
	Bucket          string // "campuscal"
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// Client wraps the MinIO/S3 client for page snapshots.
type Client struct {
	minioClient *minio.Client
	bucket      string
}

// New creates a new S3/MinIO client.
func New(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Client{
		minioClient: minioClient,
		bucket:      config.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minioClient.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}

	err = c.minioClient.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// SnapshotMetadata describes one snapshot of scraped calendar pages.
type SnapshotMetadata struct {
	SourceURL string    `json:"source_url"`
	Timestamp time.Time `json:"timestamp"`
	PageCount int       `json:"page_count"`
	Pages     []string  `json:"pages"` // page URLs in fetch order
}

// SnapshotPrefix builds the object prefix for a snapshot of sourceURL taken
// at t: snapshots/{host}/{timestamp}-{shortid}.
func SnapshotPrefix(sourceURL string, t time.Time) (string, error) {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("URL %q has no host", sourceURL)
	}

	timestamp := t.UTC().Format("2006-01-02T15-04-05")
	shortID := hashKey(fmt.Sprintf("%s-%d", sourceURL, t.UnixNano()))[:8]
	return fmt.Sprintf("snapshots/%s/%s-%s", parsed.Host, timestamp, shortID), nil
}

// PageFilename names the object holding the page fetched from pageURL.
func PageFilename(pageURL string) string {
	return hashKey(pageURL)[:16] + ".html"
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// PutPage writes a raw HTML page under the snapshot prefix.
func (c *Client) PutPage(ctx context.Context, prefix, filename string, body []byte) error {
	objectName := path.Join(prefix, "pages", filename)

	_, err := c.minioClient.PutObject(ctx, c.bucket, objectName, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "text/html",
	})
	if err != nil {
		return fmt.Errorf("failed to put page: %w", err)
	}
	return nil
}

// PutMetadata writes the snapshot metadata JSON.
func (c *Client) PutMetadata(ctx context.Context, prefix string, meta SnapshotMetadata) error {
	objectName := path.Join(prefix, "metadata.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = c.minioClient.PutObject(ctx, c.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to put metadata: %w", err)
	}
	return nil
}

// ListPages returns the page filenames stored under a prefix.
func (c *Client) ListPages(ctx context.Context, prefix string) ([]string, error) {
	pagesPrefix := path.Join(prefix, "pages") + "/"
	var files []string

	objectCh := c.minioClient.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    pagesPrefix,
		Recursive: true,
	})

	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, ".html") {
			files = append(files, path.Base(object.Key))
		}
	}

	return files, nil
}

// GetPage reads a stored page.
func (c *Client) GetPage(ctx context.Context, prefix, filename string) ([]byte, error) {
	objectName := path.Join(prefix, "pages", filename)

	object, err := c.minioClient.GetObject(ctx, c.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}

	return data, nil
}

// GetMetadata reads the snapshot metadata.
func (c *Client) GetMetadata(ctx context.Context, prefix string) (*SnapshotMetadata, error) {
	objectName := path.Join(prefix, "metadata.json")

	object, err := c.minioClient.GetObject(ctx, c.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta SnapshotMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &meta, nil
}

// PageWriter is the subset of Client a Snapshot needs.
type PageWriter interface {
	PutPage(ctx context.Context, prefix, filename string, body []byte) error
	PutMetadata(ctx context.Context, prefix string, meta SnapshotMetadata) error
}

// Snapshot collects the pages fetched during one scrape and writes them
// under a single prefix. Write failures are logged and the page is left out
// of the metadata.
type Snapshot struct {
	w         PageWriter
	ctx       context.Context
	prefix    string
	sourceURL string
	taken     time.Time

	mu    sync.Mutex
	pages []string
}

// NewSnapshot starts a snapshot of sourceURL taken at t.
func NewSnapshot(ctx context.Context, w PageWriter, sourceURL string, t time.Time) (*Snapshot, error) {
	prefix, err := SnapshotPrefix(sourceURL, t)
	if err != nil {
		return nil, err
	}
	return &Snapshot{w: w, ctx: ctx, prefix: prefix, sourceURL: sourceURL, taken: t.UTC()}, nil
}

// Prefix returns the object prefix of the snapshot.
func (s *Snapshot) Prefix() string {
	return s.prefix
}

// AddPage stores one fetched page. Its signature matches the scraper's page
// hook.
func (s *Snapshot) AddPage(pageURL string, body []byte) {
	filename := PageFilename(pageURL)
	if err := s.w.PutPage(s.ctx, s.prefix, filename, body); err != nil {
		slog.Warn("failed to snapshot page", "url", pageURL, "error", err)
		return
	}

	s.mu.Lock()
	s.pages = append(s.pages, pageURL)
	s.mu.Unlock()
	slog.Debug("snapshotted page", "url", pageURL, "filename", filename)
}

// Finish writes the snapshot metadata, stamped with the time the snapshot
// was started at.
func (s *Snapshot) Finish(ctx context.Context) (*SnapshotMetadata, error) {
	s.mu.Lock()
	pages := append([]string(nil), s.pages...)
	s.mu.Unlock()

	meta := SnapshotMetadata{
		SourceURL: s.sourceURL,
		Timestamp: s.taken,
		PageCount: len(pages),
		Pages:     pages,
	}
	if err := s.w.PutMetadata(ctx, s.prefix, meta); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	slog.Info("snapshot complete", "url", s.sourceURL, "prefix", s.prefix, "pages", len(pages))
	return &meta, nil
}
