package media

// Optional offsite copy of finished recordings. When a bucket is configured
// the server hands each catalog entry to the offloader after teardown;
// failures are logged by the caller and never affect live sessions.

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// uploader is the slice of manager.Uploader the offloader uses; tests
// substitute a fake.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Offloader copies recording files to an S3 bucket.
type Offloader struct {
	bucket string
	prefix string
	up     uploader
	log    *slog.Logger
}

// NewOffloader resolves AWS credentials from the environment (shared config,
// env vars, instance metadata) and builds a multipart uploader for bucket.
func NewOffloader(ctx context.Context, bucket, prefix, region string, log *slog.Logger) (*Offloader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("offload: bucket required")
	}
	var optFns []func(*awsconfig.LoadOptions) error
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("offload: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return newOffloader(bucket, prefix, manager.NewUploader(client), log), nil
}

func newOffloader(bucket, prefix string, up uploader, log *slog.Logger) *Offloader {
	if log == nil {
		log = slog.Default()
	}
	return &Offloader{bucket: bucket, prefix: prefix, up: up, log: log}
}

// Upload streams the recording file to <prefix>/<basename>.
func (o *Offloader) Upload(ctx context.Context, rec Recording) error {
	f, err := os.Open(rec.Path)
	if err != nil {
		return fmt.Errorf("offload open: %w", err)
	}
	defer f.Close()

	key := rec.File
	if o.prefix != "" {
		key = path.Join(o.prefix, rec.File)
	}
	contentType := "audio/webm"
	if strings.HasSuffix(rec.File, ".gz") {
		contentType = "application/gzip"
	}
	out, err := o.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("offload upload %s: %w", key, err)
	}
	o.log.Info("recording offloaded", "file", rec.File, "bucket", o.bucket, "key", key, "location", out.Location)
	return nil
}
