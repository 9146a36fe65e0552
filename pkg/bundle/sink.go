package bundle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink mirrors exported bundles to long-term storage. Keys are
// <tenant>/<certificate_id>.zip; a bundle's bytes for a given
// certificate are content-stable, so sinks may skip keys they already
// hold.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
	Name() string
}

// FSSink mirrors bundles into a directory tree.
type FSSink struct {
	dir string
}

// NewFSSink mirrors under dir.
func NewFSSink(dir string) *FSSink {
	return &FSSink{dir: dir}
}

func (s *FSSink) Name() string { return "fs" }

// Put writes to a temp file and renames, so a crashed export never
// leaves a truncated bundle at the final key.
func (s *FSSink) Put(_ context.Context, key string, data []byte) error {
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("bundle: archive dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("bundle: write archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("bundle: commit archive: %w", err)
	}
	return nil
}

// S3Config configures the S3 sink.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
	Prefix   string
}

// S3Sink mirrors bundles to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink builds an S3 sink from ambient AWS credentials.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("bundle: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Sink) Name() string { return "s3" }

// Put uploads unless the key already exists.
func (s *S3Sink) Put(ctx context.Context, key string, data []byte) error {
	full := s.prefix + key
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err == nil {
		return nil
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(full),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("bundle: s3 put %s: %w", full, err)
	}
	return nil
}
