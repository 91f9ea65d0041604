// Package archive is the optional cold archive of committed batches: each
// batch a worker successfully persists can also be written, gzipped JSON, to
// an S3-compatible object store. Archival is fail-open; it never blocks or
// fails the pipeline's ack path.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/siftlog/siftlog/internal/config"
	"github.com/siftlog/siftlog/internal/model"
)

// Client uploads and lists archived log batches.
type Client struct {
	client *s3.Client
	bucket string
}

// NewClient builds an S3-compatible client for the archive config. Returns
// nil (archive disabled) if the config is absent or incomplete.
func NewClient(cfg *config.ArchiveConfig) (*Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	client := s3.NewFromConfig(aws.Config{
		Region:      region,
		Credentials: aws.NewCredentialsCache(creds),
	}, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})
	return &Client{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket provisions the archive bucket on first use. A HeadBucket
// probe decides whether creation is needed; when the probe fails (usually
// NoSuchBucket on a fresh endpoint) the bucket is created, and "already
// exists" answers count as success so workers racing here all converge.
func (c *Client) EnsureBucket(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err == nil {
		return nil
	}
	if _, err := c.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				return nil
			}
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// KeyForBatch returns the object key for a batch archived at now:
// logs/2026/08/06/<batchID>.json.gz.
func KeyForBatch(batchID string, now time.Time) string {
	return path.Join("logs", now.UTC().Format("2006/01/02"), batchID+".json.gz")
}

// UploadBatch gzips the records as a JSON array and stores them under a
// date-partitioned key. Returns the key written.
func (c *Client) UploadBatch(ctx context.Context, batchID string, recs []model.QueuedRecord) (string, error) {
	if c == nil {
		return "", fmt.Errorf("archive not configured")
	}
	records := make([]model.LogRecord, len(recs))
	for i, qr := range recs {
		records[i] = qr.Record
		records[i].IngestID = qr.IngestID
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("gzip batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip close: %w", err)
	}

	key := KeyForBatch(batchID, time.Now())
	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

// ObjectInfo describes one archived object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListObjects lists archived objects under prefix, following continuation
// tokens so listings larger than one page come back whole. Long-running
// archives accumulate one object per committed batch per day, which outgrows
// a single ListObjectsV2 page quickly.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if c == nil {
		return nil, nil
	}
	result := []ObjectInfo{}
	pager := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		for _, o := range page.Contents {
			info := ObjectInfo{Key: aws.ToString(o.Key), Size: aws.ToInt64(o.Size)}
			if o.LastModified != nil {
				info.LastModified = *o.LastModified
			}
			result = append(result, info)
		}
	}
	return result, nil
}

// GetBatch downloads an archived batch by key and decodes its records.
func (c *Client) GetBatch(ctx context.Context, key string) ([]model.LogRecord, error) {
	if c == nil {
		return nil, fmt.Errorf("archive not configured")
	}
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	zr, err := gzip.NewReader(out.Body)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	decoded, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var records []model.LogRecord
	if err := json.Unmarshal(decoded, &records); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return records, nil
}
