package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3ControlRetries = 3

// s3API is the subset of the S3 client the endpoint needs.
type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	KeyPrefix       string
	AccessKeyID     string
	SecretAccessKey string
}

type s3Upload struct {
	uploadID string
	key      string
}

// S3Endpoint implements Endpoint on top of S3 multipart uploads: Check maps
// to ListParts, UploadChunk to UploadPart and Merge to
// CompleteMultipartUpload.
//
// S3 requires every part except the last to be at least 5 MiB, so the
// session's chunk size must respect that when this endpoint is used.
type S3Endpoint struct {
	client    s3API
	bucket    string
	keyPrefix string
	logger    log.Logger

	mu      sync.Mutex
	uploads map[string]*s3Upload
}

// NewS3Endpoint creates an endpoint for the given bucket.
// If no static credentials are provided, the default AWS credential chain is used.
func NewS3Endpoint(ctx context.Context, params S3Params, logger log.Logger) (*S3Endpoint, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(params.Region)}
	if params.AccessKeyID != "" && params.SecretAccessKey != "" {
		logger.Debugf("Using static AWS credentials")
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewS3EndpointWithClient(s3.NewFromConfig(cfg), params.Bucket, params.KeyPrefix, logger), nil
}

// NewS3EndpointWithClient creates an endpoint with a pre-built S3 client.
func NewS3EndpointWithClient(client s3API, bucket, keyPrefix string, logger log.Logger) *S3Endpoint {
	return &S3Endpoint{
		client:    client,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		logger:    logger,
		uploads:   map[string]*s3Upload{},
	}
}

// Check finds an in-progress multipart upload for the fingerprint and
// returns the indices of parts S3 already has. If none exists, a fresh
// multipart upload is started.
func (e *S3Endpoint) Check(ctx context.Context, fingerprint, fileName string) ([]int, error) {
	key := e.objectKey(fingerprint, fileName)

	var indices []int
	err := retry.Times(numS3ControlRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		uploadID, err := e.findUploadID(ctx, key)
		if err != nil {
			return fmt.Errorf("list multipart uploads: %w", err), false
		}

		if uploadID == "" {
			created, err := e.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
				Bucket: aws.String(e.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("create multipart upload: %w", err), false
			}
			e.rememberUpload(fingerprint, key, aws.ToString(created.UploadId))
			indices = []int{}
			return nil, true
		}

		parts, err := e.listParts(ctx, key, uploadID)
		if err != nil {
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload" {
				// Upload expired between listing and reading its parts.
				return fmt.Errorf("multipart upload disappeared: %w", err), false
			}
			return fmt.Errorf("list parts: %w", err), false
		}

		e.rememberUpload(fingerprint, key, uploadID)
		indices = make([]int, 0, len(parts))
		for partNumber := range parts {
			indices = append(indices, int(partNumber)-1)
		}
		sort.Ints(indices)
		return nil, true
	})
	if err != nil {
		return nil, err
	}
	return indices, nil
}

// UploadChunk ...
func (e *S3Endpoint) UploadChunk(ctx context.Context, chunk Chunk, progress ProgressFunc) error {
	upload, err := e.ensureUpload(ctx, chunk.Fingerprint, chunk.FileName)
	if err != nil {
		return err
	}

	body := chunk.Body
	if progress != nil {
		body = &progressReader{reader: chunk.Body, total: chunk.Size, progress: progress}
	}

	_, err = e.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(upload.key),
		UploadId:      aws.String(upload.uploadID),
		PartNumber:    aws.Int32(int32(chunk.Index + 1)),
		Body:          body,
		ContentLength: aws.Int64(chunk.Size),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", chunk.Index+1, classifyS3Error(err))
	}
	return nil
}

// Merge completes the multipart upload using the parts S3 reports, so the
// server stays the source of truth for what it durably has.
func (e *S3Endpoint) Merge(ctx context.Context, fingerprint, fileName string, totalChunks int) error {
	upload, err := e.ensureUpload(ctx, fingerprint, fileName)
	if err != nil {
		return err
	}

	parts, err := e.listParts(ctx, upload.key, upload.uploadID)
	if err != nil {
		return fmt.Errorf("list parts before merge: %w", classifyS3Error(err))
	}
	if len(parts) < totalChunks {
		return fmt.Errorf("server has %d of %d parts: %w", len(parts), totalChunks, ErrIncomplete)
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for partNumber, etag := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(partNumber),
			ETag:       aws.String(etag),
		})
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	_, err = e.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(e.bucket),
		Key:      aws.String(upload.key),
		UploadId: aws.String(upload.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "InvalidPart", "InvalidPartOrder", "NoSuchUpload":
				return fmt.Errorf("complete multipart upload: %v: %w", err, ErrIncomplete)
			}
		}
		return fmt.Errorf("complete multipart upload: %w", classifyS3Error(err))
	}

	e.forgetUpload(fingerprint)
	return nil
}

func (e *S3Endpoint) ensureUpload(ctx context.Context, fingerprint, fileName string) (*s3Upload, error) {
	e.mu.Lock()
	upload, ok := e.uploads[fingerprint]
	e.mu.Unlock()
	if ok {
		return upload, nil
	}

	// Check was skipped (e.g. reconcile degraded to local state only).
	if _, err := e.Check(ctx, fingerprint, fileName); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	upload, ok = e.uploads[fingerprint]
	if !ok {
		return nil, fmt.Errorf("no multipart upload for fingerprint %s", fingerprint)
	}
	return upload, nil
}

func (e *S3Endpoint) findUploadID(ctx context.Context, key string) (string, error) {
	resp, err := e.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(e.bucket),
		Prefix: aws.String(key),
	})
	if err != nil {
		return "", err
	}
	for _, upload := range resp.Uploads {
		if aws.ToString(upload.Key) == key {
			return aws.ToString(upload.UploadId), nil
		}
	}
	return "", nil
}

// listParts returns partNumber -> ETag for every part S3 has.
func (e *S3Endpoint) listParts(ctx context.Context, key, uploadID string) (map[int32]string, error) {
	parts := map[int32]string{}
	var marker *string
	for {
		resp, err := e.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(e.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, err
		}
		for _, part := range resp.Parts {
			parts[aws.ToInt32(part.PartNumber)] = aws.ToString(part.ETag)
		}
		if !aws.ToBool(resp.IsTruncated) {
			return parts, nil
		}
		marker = resp.NextPartNumberMarker
	}
}

func (e *S3Endpoint) rememberUpload(fingerprint, key, uploadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uploads[fingerprint] = &s3Upload{uploadID: uploadID, key: key}
}

func (e *S3Endpoint) forgetUpload(fingerprint string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.uploads, fingerprint)
}

func (e *S3Endpoint) objectKey(fingerprint, fileName string) string {
	if e.keyPrefix == "" {
		return fmt.Sprintf("%s/%s", fingerprint, fileName)
	}
	return fmt.Sprintf("%s/%s/%s", e.keyPrefix, fingerprint, fileName)
}

// classifyS3Error maps client-fault API errors to ErrRejected so the
// scheduler aborts instead of retrying them.
func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		return fmt.Errorf("%v: %w", err, ErrRejected)
	}
	return err
}
