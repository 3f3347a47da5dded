package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/pixelcore/internal/pkg/config"
)

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store uploads artifacts to an S3-compatible bucket.
type S3Store struct {
	client s3API
	cfg    config.S3Config
}

// NewS3Store connects to the configured bucket. Outside production a missing
// bucket is created.
func NewS3Store(ctx context.Context, cfg *config.S3Config, appEnv string) (*S3Store, error) {
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible services (B2, MinIO) want path-style URLs
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	store := newS3Store(client, *cfg)
	if err := store.ensureBucket(ctx, appEnv); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[Storage] S3 store ready for bucket: %s", cfg.Bucket)
	return store, nil
}

func newS3Store(client s3API, cfg config.S3Config) *S3Store {
	return &S3Store{client: client, cfg: cfg}
}

func (s *S3Store) Name() string { return "s3" }

func (s *S3Store) ensureBucket(ctx context.Context, appEnv string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err == nil {
		return nil
	}
	if appEnv == "prod" {
		return fmt.Errorf("bucket %s not accessible: %w", s.cfg.Bucket, err)
	}

	log.Warnf("[Storage] Bucket %s not found, attempting to create it", s.cfg.Bucket)
	input := &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)}
	// AWS outside us-east-1 needs a location constraint, compatible services reject it
	if s.cfg.EndpointURL == "" && s.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.cfg.Bucket, err)
	}
	log.Infof("[Storage] Created bucket: %s", s.cfg.Bucket)
	return nil
}

func (s *S3Store) objectKey(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if s.cfg.PathPrefix != "" {
		return path.Join(s.cfg.PathPrefix, cleaned), nil
	}
	return cleaned, nil
}

// Put uploads localPath. The local file is left in place.
func (s *S3Store) Put(ctx context.Context, localPath, key string) (*Stored, error) {
	start := time.Now()
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", localPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info for %s: %w", localPath, err)
	}
	ct := contentType(key)

	log.Debugf("[Storage] Uploading %s -> s3://%s/%s (%s)", localPath, s.cfg.Bucket, objectKey, humanize.IBytes(uint64(info.Size())))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(objectKey),
		Body:          file,
		ContentType:   aws.String(ct),
		ContentLength: aws.Int64(info.Size()),
		Metadata: map[string]string{
			"upload-source": "pixelcore",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	stored := &Stored{
		Key:         key,
		Location:    fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, objectKey),
		Size:        info.Size(),
		ContentType: ct,
		Duration:    time.Since(start),
	}
	log.Infof("[Storage] Uploaded %s in %v", stored.Location, stored.Duration)
	return stored, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}
