package network

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 implements s3API in memory.
type fakeS3 struct {
	mu        sync.Mutex
	uploadID  string
	key       string
	parts     map[int32]string
	completed bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{parts: map[int32]string{}}
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadID = "upload-1"
	f.key = aws.ToString(params.Key)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(f.uploadID)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if _, err := io.ReadAll(params.Body); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	etag := fmt.Sprintf("\"etag-%d\"", aws.ToInt32(params.PartNumber))
	f.parts[aws.ToInt32(params.PartNumber)] = etag
	return &s3.UploadPartOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for partNumber, etag := range f.parts {
		out.Parts = append(out.Parts, types.Part{
			PartNumber: aws.Int32(partNumber),
			ETag:       aws.String(etag),
		})
	}
	return out, nil
}

func (f *fakeS3) ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListMultipartUploadsOutput{}
	if f.uploadID != "" && !f.completed {
		out.Uploads = append(out.Uploads, types.MultipartUpload{
			Key:      aws.String(f.key),
			UploadId: aws.String(f.uploadID),
		})
	}
	return out, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func TestS3Endpoint_FreshUpload(t *testing.T) {
	fake := newFakeS3()
	endpoint := NewS3EndpointWithClient(fake, "bucket", "uploads", log.NewLogger())
	ctx := context.Background()

	uploaded, err := endpoint.Check(ctx, "abc123", "video.mp4")
	require.NoError(t, err)
	assert.Empty(t, uploaded)

	for i := 0; i < 3; i++ {
		err := endpoint.UploadChunk(ctx, Chunk{
			Fingerprint: "abc123",
			FileName:    "video.mp4",
			Index:       i,
			TotalChunks: 3,
			Body:        io.LimitReader(zeroReader{}, 10),
			Size:        10,
		}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, endpoint.Merge(ctx, "abc123", "video.mp4", 3))
	assert.True(t, fake.completed)
}

func TestS3Endpoint_CheckFindsExistingParts(t *testing.T) {
	fake := newFakeS3()
	fake.uploadID = "upload-1"
	fake.key = "uploads/abc123/video.mp4"
	fake.parts[1] = "\"etag-1\""
	fake.parts[3] = "\"etag-3\""

	endpoint := NewS3EndpointWithClient(fake, "bucket", "uploads", log.NewLogger())
	uploaded, err := endpoint.Check(context.Background(), "abc123", "video.mp4")
	require.NoError(t, err)

	// S3 part numbers are 1-based; chunk indices are 0-based.
	assert.Equal(t, []int{0, 2}, uploaded)
}

func TestS3Endpoint_MergeIncomplete(t *testing.T) {
	fake := newFakeS3()
	fake.uploadID = "upload-1"
	fake.key = "uploads/abc123/video.mp4"
	fake.parts[1] = "\"etag-1\""

	endpoint := NewS3EndpointWithClient(fake, "bucket", "uploads", log.NewLogger())
	_, err := endpoint.Check(context.Background(), "abc123", "video.mp4")
	require.NoError(t, err)

	err = endpoint.Merge(context.Background(), "abc123", "video.mp4", 3)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.False(t, fake.completed)
}

func TestS3Endpoint_UploadReportsProgress(t *testing.T) {
	fake := newFakeS3()
	endpoint := NewS3EndpointWithClient(fake, "bucket", "", log.NewLogger())

	var mu sync.Mutex
	var lastSent, lastTotal int64
	err := endpoint.UploadChunk(context.Background(), Chunk{
		Fingerprint: "abc123",
		FileName:    "video.mp4",
		Index:       0,
		TotalChunks: 1,
		Body:        io.LimitReader(zeroReader{}, 64),
		Size:        64,
	}, func(bytesSent, bytesTotal int64) {
		mu.Lock()
		lastSent, lastTotal = bytesSent, bytesTotal
		mu.Unlock()
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(64), lastSent)
	assert.Equal(t, int64(64), lastTotal)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
