package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/structllm/go-docflow/transfer/chunkplan"
	"github.com/structllm/go-docflow/transfer/chunkuploader"
)

const numMultipartRetries = 3

var multipartRetryWait = 5 * time.Second

// S3API is the subset of the S3 client used for multipart uploads.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3TransportParams ...
type S3TransportParams struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// KeyPrefix is prepended to every object key, usually the job ID.
	KeyPrefix string
}

type multipartUpload struct {
	key      string
	uploadID string
	etags    map[int32]string
}

// S3Transport uploads every chunk as one part of an S3 multipart upload.
// Begin must be called for a file before its chunks are sent, and Complete after
// all of them succeeded.
type S3Transport struct {
	client    S3API
	bucket    string
	keyPrefix string
	logger    log.Logger

	mu      sync.Mutex
	uploads map[string]*multipartUpload
}

// NewS3Transport loads the AWS configuration and creates an S3Transport.
func NewS3Transport(ctx context.Context, params S3TransportParams, logger log.Logger) (*S3Transport, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3TransportWithClient(s3.NewFromConfig(*cfg), params.Bucket, params.KeyPrefix, logger), nil
}

// NewS3TransportWithClient creates an S3Transport over an existing client.
func NewS3TransportWithClient(client S3API, bucket, keyPrefix string, logger log.Logger) *S3Transport {
	return &S3Transport{
		client:    client,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		logger:    logger,
		uploads:   map[string]*multipartUpload{},
	}
}

// ObjectKey returns the key the file is assembled under.
func (t *S3Transport) ObjectKey(file chunkplan.FileDescriptor) string {
	return path.Join(t.keyPrefix, file.FileID, file.FileName)
}

// Begin starts the multipart upload of the file.
func (t *S3Transport) Begin(ctx context.Context, file chunkplan.FileDescriptor) error {
	key := t.ObjectKey(file)

	var uploadID string
	err := retry.Times(numMultipartRetries).Wait(multipartRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		output, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err), abortRetry(ctx, err)
		}
		if output.UploadId == nil {
			return fmt.Errorf("create multipart upload: missing upload ID"), true
		}
		uploadID = *output.UploadId
		return nil, true
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.uploads[file.FileID] = &multipartUpload{
		key:      key,
		uploadID: uploadID,
		etags:    map[int32]string{},
	}
	t.mu.Unlock()

	t.logger.Debugf("Started multipart upload %s for s3://%s/%s", uploadID, t.bucket, key)

	return nil
}

// Send implements chunkuploader.ChunkTransport.
func (t *S3Transport) Send(ctx context.Context, file chunkplan.FileDescriptor, chunk chunkplan.ChunkDescriptor, data []byte) chunkuploader.AttemptResult {
	upload, err := t.upload(file)
	if err != nil {
		return chunkuploader.Permanent(chunk.Index, err)
	}

	partNumber := int32(chunk.Index + 1)
	output, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(upload.key),
		UploadId:      aws.String(upload.uploadID),
		PartNumber:    aws.Int32(partNumber),
		ContentLength: aws.Int64(int64(len(data))),
		Body:          bytes.NewReader(data),
	})
	if err != nil {
		return classifyS3Error(ctx, chunk.Index, err)
	}
	if output.ETag == nil {
		return chunkuploader.Transient(chunk.Index, fmt.Errorf("upload part %d: missing ETag", partNumber))
	}

	t.mu.Lock()
	upload.etags[partNumber] = *output.ETag
	t.mu.Unlock()

	return chunkuploader.Success(chunk.Index, fmt.Sprintf("part %d stored", partNumber))
}

// Complete assembles the uploaded parts into the final object.
func (t *S3Transport) Complete(ctx context.Context, file chunkplan.FileDescriptor) error {
	upload, err := t.upload(file)
	if err != nil {
		return err
	}

	t.mu.Lock()
	parts := make([]types.CompletedPart, 0, len(upload.etags))
	for number, etag := range upload.etags {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(number),
		})
	}
	t.mu.Unlock()

	if len(parts) != file.ChunkCount {
		return fmt.Errorf("complete multipart upload: %d of %d parts uploaded", len(parts), file.ChunkCount)
	}
	sort.Slice(parts, func(i, j int) bool { return *parts[i].PartNumber < *parts[j].PartNumber })

	err = retry.Times(numMultipartRetries).Wait(multipartRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(t.bucket),
			Key:             aws.String(upload.key),
			UploadId:        aws.String(upload.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			return fmt.Errorf("complete multipart upload: %w", err), abortRetry(ctx, err)
		}
		return nil, true
	})
	if err != nil {
		return err
	}

	t.forget(file)
	t.logger.Debugf("Completed multipart upload of s3://%s/%s", t.bucket, upload.key)

	return nil
}

// Abort discards the parts uploaded so far.
func (t *S3Transport) Abort(ctx context.Context, file chunkplan.FileDescriptor) error {
	upload, err := t.upload(file)
	if err != nil {
		return err
	}

	err = retry.Times(numMultipartRetries).Wait(multipartRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(t.bucket),
			Key:      aws.String(upload.key),
			UploadId: aws.String(upload.uploadID),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				if _, ok := apiError.(*types.NoSuchUpload); ok {
					return nil, true
				}
			}
			return fmt.Errorf("abort multipart upload: %w", err), abortRetry(ctx, err)
		}
		return nil, true
	})
	if err != nil {
		return err
	}

	t.forget(file)

	return nil
}

func (t *S3Transport) upload(file chunkplan.FileDescriptor) (*multipartUpload, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	upload, ok := t.uploads[file.FileID]
	if !ok {
		return nil, fmt.Errorf("no multipart upload started for file %s", file.FileID)
	}
	return upload, nil
}

func (t *S3Transport) forget(file chunkplan.FileDescriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.uploads, file.FileID)
}

func abortRetry(ctx context.Context, err error) bool {
	return ctx.Err() != nil || !isTransientS3Error(ctx, err)
}

func classifyS3Error(ctx context.Context, index int, err error) chunkuploader.AttemptResult {
	wrapped := fmt.Errorf("upload part %d: %w", index+1, err)
	if isTransientS3Error(ctx, err) {
		return chunkuploader.Transient(index, wrapped)
	}
	return chunkuploader.Permanent(index, wrapped)
}

// isTransientS3Error reports 5xx, 429, 408 and errors without an HTTP response
// (connection resets, timeouts) as transient.
func isTransientS3Error(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError":
			return true
		default:
			return false
		}
	}

	return true
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
