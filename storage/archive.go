package storage

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"argus/core"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.uber.org/zap"
)

// ArchiveSink stores partition exports as gzip-compressed JSONL objects.
// Store must be atomic from the reader's perspective: a partially written
// object is never visible under its final location. Verify re-reads the
// object and confirms the row count before the caller deletes hot data.
type ArchiveSink interface {
	Store(ctx context.Context, key string, events []*core.EnrichedEvent) (location string, err error)
	Verify(ctx context.Context, location string, expectedCount int64) error
	Delete(ctx context.Context, location string) error
}

// encodeArchive renders events as gzip JSONL.
func encodeArchive(events []*core.EnrichedEvent) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", ev.EventID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// countArchiveLines decompresses an archive object and counts its rows.
func countArchiveLines(data []byte) (int64, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("archive is not valid gzip: %w", err)
	}
	defer gz.Close()

	var count int64
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan archive: %w", err)
	}
	return count, nil
}

// LocalArchiveSink writes archive objects under a base directory. Objects
// are written to a temp file and renamed into place.
type LocalArchiveSink struct {
	baseDir string
	logger  *zap.SugaredLogger
}

// NewLocalArchiveSink creates a sink rooted at baseDir.
func NewLocalArchiveSink(baseDir string, logger *zap.SugaredLogger) (*LocalArchiveSink, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalArchiveSink{baseDir: baseDir, logger: logger}, nil
}

// Store writes one archive object and returns its path.
func (l *LocalArchiveSink) Store(ctx context.Context, key string, events []*core.EnrichedEvent) (string, error) {
	data, err := encodeArchive(events)
	if err != nil {
		return "", err
	}

	path := filepath.Join(l.baseDir, key+".jsonl.gz")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive subdirectory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write archive object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize archive object: %w", err)
	}

	l.logger.Infow("Archive object written", "path", path, "events", len(events), "bytes", len(data))
	return path, nil
}

// Verify confirms the stored object decompresses to the expected row count.
func (l *LocalArchiveSink) Verify(ctx context.Context, location string, expectedCount int64) error {
	data, err := os.ReadFile(location)
	if err != nil {
		return fmt.Errorf("failed to read archive object %s: %w", location, err)
	}
	count, err := countArchiveLines(data)
	if err != nil {
		return fmt.Errorf("archive object %s: %w", location, err)
	}
	if count != expectedCount {
		return fmt.Errorf("archive object %s has %d rows, expected %d", location, count, expectedCount)
	}
	return nil
}

// Delete removes an archive object. A missing object is not an error: the
// delete step is resumable after a crash.
func (l *LocalArchiveSink) Delete(ctx context.Context, location string) error {
	err := os.Remove(location)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive object %s: %w", location, err)
	}
	return nil
}

// S3ArchiveSink stores archive objects in an S3 bucket.
type S3ArchiveSink struct {
	client s3iface.S3API
	bucket string
	prefix string
	logger *zap.SugaredLogger
}

// NewS3ArchiveSink creates a sink over a fresh AWS session.
func NewS3ArchiveSink(region, endpoint, bucket, prefix string, logger *zap.SugaredLogger) (*S3ArchiveSink, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return &S3ArchiveSink{
		client: s3.New(sess),
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

// NewS3ArchiveSinkWithClient wires an existing client, used by tests.
func NewS3ArchiveSinkWithClient(client s3iface.S3API, bucket, prefix string, logger *zap.SugaredLogger) *S3ArchiveSink {
	return &S3ArchiveSink{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (s *S3ArchiveSink) objectKey(key string) string {
	if s.prefix == "" {
		return key + ".jsonl.gz"
	}
	return s.prefix + "/" + key + ".jsonl.gz"
}

// Store uploads one archive object and returns its s3:// location.
func (s *S3ArchiveSink) Store(ctx context.Context, key string, events []*core.EnrichedEvent) (string, error) {
	data, err := encodeArchive(events)
	if err != nil {
		return "", err
	}

	objKey := s.objectKey(key)
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(objKey),
		Body:            bytes.NewReader(data),
		ContentType:     aws.String("application/jsonl"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive object %s: %w", objKey, err)
	}

	location := fmt.Sprintf("s3://%s/%s", s.bucket, objKey)
	s.logger.Infow("Archive object uploaded", "location", location, "events", len(events), "bytes", len(data))
	return location, nil
}

// Verify downloads the object and confirms the row count.
func (s *S3ArchiveSink) Verify(ctx context.Context, location string, expectedCount int64) error {
	key, err := s.keyFromLocation(location)
	if err != nil {
		return err
	}
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to fetch archive object %s: %w", location, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return fmt.Errorf("failed to read archive object %s: %w", location, err)
	}
	count, err := countArchiveLines(buf.Bytes())
	if err != nil {
		return fmt.Errorf("archive object %s: %w", location, err)
	}
	if count != expectedCount {
		return fmt.Errorf("archive object %s has %d rows, expected %d", location, count, expectedCount)
	}
	return nil
}

// Delete removes the object. Missing objects are ignored.
func (s *S3ArchiveSink) Delete(ctx context.Context, location string) error {
	key, err := s.keyFromLocation(location)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete archive object %s: %w", location, err)
	}
	return nil
}

func (s *S3ArchiveSink) keyFromLocation(location string) (string, error) {
	prefix := fmt.Sprintf("s3://%s/", s.bucket)
	if len(location) <= len(prefix) || location[:len(prefix)] != prefix {
		return "", fmt.Errorf("location %q does not belong to bucket %s", location, s.bucket)
	}
	return location[len(prefix):], nil
}
