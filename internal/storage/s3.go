package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/fx"

	"github.com/emergent-company/ocrfleet/internal/config"
	"github.com/emergent-company/ocrfleet/pkg/logger"
)

var Module = fx.Module("storage",
	fx.Provide(fx.Annotate(NewS3Store, fx.As(new(ObjectStore)))),
)

// deleteBatch is the S3 DeleteObjects per-request limit.
const deleteBatch = 1000

// S3Store implements ObjectStore on S3 or an S3-compatible endpoint.
type S3Store struct {
	client *s3.Client
	region string
	log    *slog.Logger
}

// NewS3Store creates a new S3-backed object store
func NewS3Store(awsCfg aws.Config, cfg *config.Config, log *slog.Logger) *S3Store {
	// Path-style addressing for MinIO / LocalStack endpoints
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AWS.Endpoint != ""
	})

	return &S3Store{
		client: client,
		region: cfg.AWS.Region,
		log:    log.With(logger.Scope("storage")),
	}
}

func (s *S3Store) CreateBucket(ctx context.Context, bucket string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}

	_, err := s.client.CreateBucket(ctx, input)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		s.log.Error("failed to create bucket", slog.String("bucket", bucket), logger.Error(err))
		return fmt.Errorf("create bucket failed: %w", err)
	}
	return nil
}

func (s *S3Store) DeleteBucket(ctx context.Context, bucket string) error {
	batch := make([]types.ObjectIdentifier, 0, deleteBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		batch = batch[:0]
		return err
	}

	for key, err := range s.ListKeys(ctx, bucket) {
		if err != nil {
			return fmt.Errorf("empty bucket failed: %w", err)
		}
		batch = append(batch, types.ObjectIdentifier{Key: aws.String(key)})
		if len(batch) == deleteBatch {
			if err := flush(); err != nil {
				return fmt.Errorf("empty bucket failed: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("empty bucket failed: %w", err)
	}

	if _, err := s.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		s.log.Error("failed to delete bucket", slog.String("bucket", bucket), logger.Error(err))
		return fmt.Errorf("delete bucket failed: %w", translate(err))
	}
	s.log.Debug("bucket deleted", slog.String("bucket", bucket))
	return nil
}

func (s *S3Store) PutBlob(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		s.log.Error("failed to upload object",
			slog.String("bucket", bucket),
			slog.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("upload failed: %w", translate(err))
	}

	s.log.Debug("object uploaded",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.Int("size", len(data)),
	)
	return nil
}

func (s *S3Store) GetBlob(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = translate(err)
		if !errors.Is(err, ErrNotFound) {
			s.log.Error("failed to download object",
				slog.String("bucket", bucket),
				slog.String("key", key),
				logger.Error(err),
			)
		}
		return nil, fmt.Errorf("download failed: %w", err)
	}
	return out.Body, nil
}

func (s *S3Store) DeleteBlob(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.log.Error("failed to delete object",
			slog.String("bucket", bucket),
			slog.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("delete failed: %w", translate(err))
	}

	s.log.Debug("object deleted", slog.String("bucket", bucket), slog.String("key", key))
	return nil
}

func (s *S3Store) ListKeys(ctx context.Context, bucket string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield("", translate(err))
				return
			}
			for _, obj := range page.Contents {
				if !yield(aws.ToString(obj.Key), nil) {
					return
				}
			}
		}
	}
}

// translate maps missing bucket/key API errors onto ErrNotFound.
func translate(err error) error {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &noBucket) || errors.As(err, &notFound) {
		return errors.Join(ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return errors.Join(ErrNotFound, err)
		}
	}
	return err
}
