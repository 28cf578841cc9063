package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zstd"
)

const (
	checkPath = "/upload/check"
	chunkPath = "/upload/chunk"
	mergePath = "/upload/merge"

	chunkFieldName    = "chunk"
	chunkEncodingZstd = "zstd"
)

type checkRequest struct {
	FileHash string `json:"file_hash"`
	FileName string `json:"filename"`
}

type checkResponse struct {
	Uploaded []int `json:"uploaded"`
}

type mergeRequest struct {
	FileHash    string `json:"file_hash"`
	FileName    string `json:"filename"`
	TotalChunks int    `json:"total_chunks"`
}

// HTTPEndpoint implements Endpoint against the upload service's HTTP API.
//
// Check requests ride a retrying HTTP client because they are idempotent.
// Chunk and merge requests use a plain client: chunk retries belong to the
// upload scheduler (which resets byte progress between attempts), and a
// failed merge is surfaced to the caller instead of being retried silently.
type HTTPEndpoint struct {
	baseURL     string
	accessToken string

	checkClient *retryablehttp.Client
	httpClient  *http.Client

	compressor *zstd.Encoder
	logger     log.Logger
}

// HTTPOption configures an HTTPEndpoint.
type HTTPOption func(*HTTPEndpoint)

// WithHTTPClient sets the client used for chunk and merge requests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(e *HTTPEndpoint) {
		e.httpClient = client
	}
}

// WithZstdChunks compresses chunk bodies with zstd before sending them.
// The server is told about the encoding in the chunk_encoding form field.
func WithZstdChunks() HTTPOption {
	return func(e *HTTPEndpoint) {
		// EncodeAll on a shared encoder is safe for concurrent workers.
		e.compressor, _ = zstd.NewWriter(nil)
	}
}

// NewHTTPEndpoint creates an endpoint for the upload service at baseURL.
// accessToken may be empty for unauthenticated services.
func NewHTTPEndpoint(baseURL, accessToken string, logger log.Logger, opts ...HTTPOption) *HTTPEndpoint {
	e := &HTTPEndpoint{
		baseURL:     baseURL,
		accessToken: accessToken,
		checkClient: retryhttp.NewClient(logger),
		httpClient:  DefaultChunkClient(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check ...
func (e *HTTPEndpoint) Check(ctx context.Context, fingerprint, fileName string) ([]int, error) {
	body, err := json.Marshal(checkRequest{FileHash: fingerprint, FileName: fileName})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, e.baseURL+checkPath, body)
	if err != nil {
		return nil, fmt.Errorf("create check request: %w", err)
	}
	req = req.WithContext(ctx)
	e.setCommonHeaders(req.Header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.checkClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("check request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("check failed with status %d: %s", resp.StatusCode, readErrorSnippet(resp.Body))
	}

	var parsed checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse check response: %w", err)
	}
	return parsed.Uploaded, nil
}

// UploadChunk ...
func (e *HTTPEndpoint) UploadChunk(ctx context.Context, chunk Chunk, progress ProgressFunc) error {
	body, contentType, err := e.encodeChunkBody(chunk)
	if err != nil {
		return err
	}

	total := int64(body.Len())
	var reader io.Reader = body
	if progress != nil {
		// Counted bytes include the multipart envelope; callers clamp to
		// the chunk length.
		reader = &progressReader{reader: body, total: total, progress: progress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+chunkPath, reader)
	if err != nil {
		return fmt.Errorf("create chunk request: %w", err)
	}
	e.setCommonHeaders(req.Header)
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = total

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chunk %d upload cancelled: %w", chunk.Index, ctx.Err())
		}
		return fmt.Errorf("chunk %d request: %w", chunk.Index, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("chunk %d failed with status %d: %s: %w",
			chunk.Index, resp.StatusCode, readErrorSnippet(resp.Body), ErrRejected)
	default:
		return fmt.Errorf("chunk %d failed with status %d: %s",
			chunk.Index, resp.StatusCode, readErrorSnippet(resp.Body))
	}
}

// Merge ...
func (e *HTTPEndpoint) Merge(ctx context.Context, fingerprint, fileName string, totalChunks int) error {
	body, err := json.Marshal(mergeRequest{FileHash: fingerprint, FileName: fileName, TotalChunks: totalChunks})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+mergePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create merge request: %w", err)
	}
	e.setCommonHeaders(req.Header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("merge request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("merge refused: %s: %w", readErrorSnippet(resp.Body), ErrIncomplete)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("merge failed with status %d: %s: %w",
			resp.StatusCode, readErrorSnippet(resp.Body), ErrRejected)
	default:
		return fmt.Errorf("merge failed with status %d: %s", resp.StatusCode, readErrorSnippet(resp.Body))
	}
}

func (e *HTTPEndpoint) encodeChunkBody(chunk Chunk) (*bytes.Buffer, string, error) {
	data, err := io.ReadAll(chunk.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read chunk %d: %w", chunk.Index, err)
	}

	encoding := ""
	if e.compressor != nil {
		data = e.compressor.EncodeAll(data, nil)
		encoding = chunkEncodingZstd
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	fields := map[string]string{
		"file_hash":    chunk.Fingerprint,
		"filename":     chunk.FileName,
		"chunk_index":  strconv.Itoa(chunk.Index),
		"total_chunks": strconv.Itoa(chunk.TotalChunks),
	}
	if encoding != "" {
		fields["chunk_encoding"] = encoding
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("write form field %s: %w", name, err)
		}
	}

	part, err := writer.CreateFormFile(chunkFieldName, chunk.FileName)
	if err != nil {
		return nil, "", fmt.Errorf("create chunk form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write chunk body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("finish multipart body: %w", err)
	}

	return body, writer.FormDataContentType(), nil
}

func (e *HTTPEndpoint) setCommonHeaders(header http.Header) {
	if e.accessToken != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", e.accessToken))
	}
}

// DefaultChunkClient creates an HTTP client tuned for parallel chunk uploads.
func DefaultChunkClient() *http.Client {
	return &http.Client{
		// No client timeout: per-chunk deadlines are handled via context.
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 50,
		},
	}
}

func readErrorSnippet(body io.Reader) string {
	snippet := make([]byte, 1024)
	n, _ := io.ReadAtLeast(body, snippet, 1)
	return string(snippet[:n])
}

// progressReader reports cumulative bytes read out of a request body.
type progressReader struct {
	reader   io.Reader
	total    int64
	sent     int64
	progress ProgressFunc
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent += int64(n)
		r.progress(r.sent, r.total)
	}
	return n, err
}
