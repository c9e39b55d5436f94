// Package deadletter implements the dead-letter sink contract of
// spec.md §6 over S3, batching bad rows into newline-delimited JSON
// objects, following the teacher's existing S3 blob-storage usage
// (internal/infrastructure/repository/storage/blob_storage_repository.go
// and the aws-sdk-go-v2 stack it already imports).
package deadletter

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"loader/internal/loader"
)

// Sink publishes bad rows to an S3 bucket as newline-delimited JSON.
type Sink struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
	seq    func() string
}

// New builds an S3 dead-letter Sink.
func New(client *s3.Client, bucket, prefix string, seq func() string) *Sink {
	return &Sink{client: client, bucket: bucket, prefix: prefix, now: time.Now, seq: seq}
}

// Send writes rows as one object under
// <prefix>/<date>/<timestamp>-<seq>.json. Retrying a failed send is the
// sink's own responsibility per spec.md §6 ("failures retried by the sink
// itself"); this implementation relies on the AWS SDK's built-in retrier.
func (s *Sink) Send(ctx context.Context, rows []loader.BadRow) error {
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, row := range rows {
		encoded, err := row.MarshalJSON()
		if err != nil {
			return fmt.Errorf("deadletter: marshal bad row: %w", err)
		}
		buf.Write(encoded)
		buf.WriteByte('\n')
	}

	now := s.now()
	key := fmt.Sprintf("%s/%s/%s-%s.json", s.prefix, now.UTC().Format("2006-01-02"), now.UTC().Format("150405.000"), s.seq())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("deadletter: put object %s: %w", key, err)
	}

	return nil
}
