package network

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const numCompleteRetries = 3

// S3BackendParams ...
type S3BackendParams struct {
	Bucket          string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	// PartSize is the fragment size requested from the fragmenter. Raised to the S3 minimum part size.
	PartSize int64
	// ReservedHeaderBudget must match the budget the job controller subtracts from the request body limit.
	ReservedHeaderBudget int64
	// Checksum enables SHA-256 checksums on every part.
	Checksum bool
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Backend stores uploads as S3 objects through multipart uploads.
// Each upload job maps to one multipart upload; fragments map to parts.
type S3Backend struct {
	client    s3API
	bucket    string
	prefix    string
	partSize  int64
	reserved  int64
	checksum  bool
	retryWait time.Duration
	logger    log.Logger

	mu    sync.Mutex
	parts map[string][]types.CompletedPart
}

// NewS3Backend ...
func NewS3Backend(ctx context.Context, params S3BackendParams, logger log.Logger) (*S3Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params, logger)
	if err != nil {
		return nil, err
	}

	return newS3Backend(s3.NewFromConfig(cfg), params, logger), nil
}

func newS3Backend(client s3API, params S3BackendParams, logger log.Logger) *S3Backend {
	partSize := params.PartSize
	if partSize < manager.MinUploadPartSize {
		partSize = manager.MinUploadPartSize
	}

	return &S3Backend{
		client:    client,
		bucket:    params.Bucket,
		prefix:    params.Prefix,
		partSize:  partSize,
		reserved:  params.ReservedHeaderBudget,
		checksum:  params.Checksum,
		retryWait: 5 * time.Second,
		logger:    logger,
		parts:     map[string][]types.CompletedPart{},
	}
}

// StartUpload creates a multipart upload for the file.
func (b *S3Backend) StartUpload(ctx context.Context, file FileInfo) (Job, error) {
	key := b.objectKey(file.Name)

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if b.checksum {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmSha256
	}

	out, err := b.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return Job{}, fmt.Errorf("create multipart upload: %w", describeS3Error(err))
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return Job{}, fmt.Errorf("create multipart upload: %w", malformed("missing upload id"))
	}

	b.mu.Lock()
	b.parts[*out.UploadId] = nil
	b.mu.Unlock()

	b.logger.Debugf("Multipart upload %s created for s3://%s/%s", *out.UploadId, b.bucket, key)

	return Job{
		ID:               *out.UploadId,
		FileID:           key,
		RequestBodyLimit: b.partSize + b.reserved,
	}, nil
}

// UploadPart uploads one fragment as part number Index+1.
func (b *S3Backend) UploadPart(ctx context.Context, job Job, part Part) error {
	input := &s3.UploadPartInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(job.FileID),
		UploadId:      aws.String(job.ID),
		PartNumber:    aws.Int32(int32(part.Index + 1)),
		Body:          bytes.NewReader(part.Data),
		ContentLength: aws.Int64(int64(len(part.Data))),
	}
	if b.checksum {
		sum := sha256.Sum256(part.Data)
		input.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(sum[:]))
	}

	out, err := b.client.UploadPart(ctx, input)
	if err != nil {
		return fmt.Errorf("upload part %d: %w", part.Index+1, describeS3Error(err))
	}

	completed := types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(int32(part.Index + 1)),
	}
	if b.checksum {
		completed.ChecksumSHA256 = out.ChecksumSHA256
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.parts[job.ID]; !ok {
		return fmt.Errorf("upload part %d: unknown multipart upload %s", part.Index+1, job.ID)
	}
	b.parts[job.ID] = append(b.parts[job.ID], completed)

	return nil
}

// FinishUpload completes the multipart upload. Empty files are stored with a plain PutObject
// because S3 rejects multipart uploads without parts.
func (b *S3Backend) FinishUpload(ctx context.Context, job Job, finish Finish) (string, error) {
	b.mu.Lock()
	parts := append([]types.CompletedPart(nil), b.parts[job.ID]...)
	delete(b.parts, job.ID)
	b.mu.Unlock()

	if finish.FragmentCount == 0 {
		if err := b.putEmptyObject(ctx, job); err != nil {
			return "", err
		}
		return job.FileID, nil
	}

	if len(parts) != finish.FragmentCount {
		return "", fmt.Errorf("complete multipart upload: %d parts uploaded, %d expected", len(parts), finish.FragmentCount)
	}
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	if err := b.completeWithRetry(ctx, job, parts); err != nil {
		return "", err
	}
	return job.FileID, nil
}

// Abandon drops the parts recorded for job and aborts its multipart upload so S3 releases the stored parts.
func (b *S3Backend) Abandon(ctx context.Context, job Job) error {
	b.mu.Lock()
	delete(b.parts, job.ID)
	b.mu.Unlock()

	if _, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(job.FileID),
		UploadId: aws.String(job.ID),
	}); err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			return nil
		}
		return fmt.Errorf("abort multipart upload: %w", describeS3Error(err))
	}
	b.logger.Debugf("Multipart upload %s aborted", job.ID)
	return nil
}

func (b *S3Backend) completeWithRetry(ctx context.Context, job Job, parts []types.CompletedPart) error {
	return retry.Times(numCompleteRetries).Wait(b.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if ctx.Err() != nil {
			return ctx.Err(), true
		}

		_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(b.bucket),
			Key:             aws.String(job.FileID),
			UploadId:        aws.String(job.ID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err == nil {
			return nil, true
		}

		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("complete multipart upload: %w", describeS3Error(err)), true
		}
		b.logger.Warnf("Complete multipart upload %s attempt %d failed: %s", job.ID, attempt+1, err)
		return fmt.Errorf("complete multipart upload: %w", describeS3Error(err)), false
	})
}

func (b *S3Backend) putEmptyObject(ctx context.Context, job Job) error {
	if _, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(job.FileID),
		UploadId: aws.String(job.ID),
	}); err != nil {
		b.logger.Warnf("Failed to abort empty multipart upload %s: %s", job.ID, describeS3Error(err))
	}

	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(job.FileID),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	}); err != nil {
		return fmt.Errorf("put empty object: %w", describeS3Error(err))
	}
	return nil
}

// objectKey keeps uploads of equally named files apart.
func (b *S3Backend) objectKey(name string) string {
	return path.Join(b.prefix, uuid.NewString(), path.Base(name))
}

// describeS3Error adds the API error code to the message while keeping the original error in the chain.
func describeS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s (%s): %w", apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
	}
	return err
}

// loadAWSConfig uses the static keys when both are set, the default credential chain otherwise.
func loadAWSConfig(ctx context.Context, params S3BackendParams, logger log.Logger) (aws.Config, error) {
	if params.Region == "" {
		return aws.Config{}, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
	}
	if params.AccessKeyID != "" && params.SecretAccessKey != "" {
		logger.Debugf("Using the configured AWS access key")
		provider := credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(provider))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}
