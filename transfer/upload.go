package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/ztrue/tracerr"
)

// ProgressSink receives monotonically increasing cumulative byte counts while
// a block is streamed.
type ProgressSink func(cumulativeBytes int64)

// progressReader is the single owner of the progress sink for one transfer.
// It sits exactly at the request-body boundary, so bytes are counted once, at
// the moment the transport serializes them, no matter what other readers wrap
// the stream.
type progressReader struct {
	src   io.Reader
	total int64
	sink  ProgressSink
}

func (reader *progressReader) Read(p []byte) (int, error) {
	n, err := reader.src.Read(p)
	if n > 0 {
		reader.total += int64(n)
		if reader.sink != nil {
			reader.sink(reader.total)
		}
	}
	return n, err
}

// UploadBlock streams a local ciphertext file to its pre-signed destination
// URL. The destination is absolute (issued by the server per block), not
// relative to the API base. A timeout or connection failure surfaces as a
// retryable connectivity error.
func (apiClient *ApiClient) UploadBlock(ctx context.Context, userId string, destinationUrl string, localFile string, timeout time.Duration, progressSink ProgressSink) error {
	file, err := os.Open(localFile)
	if err != nil {
		return tracerr.Wrap(err)
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return tracerr.Wrap(err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body := &progressReader{src: file, sink: progressSink}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, destinationUrl, body)
	if err != nil {
		return tracerr.Wrap(utils.APIError{Status: 0, Code: "REQUEST_ERROR", Details: err.Error(), Method: http.MethodPut, Url: destinationUrl})
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	token, err := apiClient.bearerToken(userId)
	if err != nil {
		return tracerr.Wrap(utils.APIError{Status: 0, Code: "AUTH_ERROR", Details: err.Error(), Method: http.MethodPut, Url: destinationUrl})
	}
	req.Header.Set("Authorization", "Bearer "+token)

	apiClient.Logger.Debug().Str("url", destinationUrl).Int64("size", info.Size()).Msg("uploading block")
	resp, err := apiClient.client.Do(req)
	if err != nil {
		return tracerr.Wrap(utils.APIError{Status: 0, Code: "NETWORK_ERROR", Details: err.Error(), Method: http.MethodPut, Url: destinationUrl})
	}
	defer func() { _ = resp.Body.Close() }()
	responseBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return tracerr.Wrap(utils.APIError{Status: resp.StatusCode, Code: "UPLOAD_FAILED", Raw: string(responseBody), Method: http.MethodPut, Url: destinationUrl})
	}
	return nil
}

// DownloadBlock streams a block from its pre-signed source URL into a local
// file. The file is written through a temp name and renamed on success, so a
// partial download is never mistaken for a complete block.
func (apiClient *ApiClient) DownloadBlock(ctx context.Context, userId string, sourceUrl string, localFile string, timeout time.Duration, progressSink ProgressSink) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceUrl, nil)
	if err != nil {
		return tracerr.Wrap(utils.APIError{Status: 0, Code: "REQUEST_ERROR", Details: err.Error(), Method: http.MethodGet, Url: sourceUrl})
	}
	token, err := apiClient.bearerToken(userId)
	if err != nil {
		return tracerr.Wrap(utils.APIError{Status: 0, Code: "AUTH_ERROR", Details: err.Error(), Method: http.MethodGet, Url: sourceUrl})
	}
	req.Header.Set("Authorization", "Bearer "+token)

	apiClient.Logger.Debug().Str("url", sourceUrl).Msg("downloading block")
	resp, err := apiClient.client.Do(req)
	if err != nil {
		return tracerr.Wrap(utils.APIError{Status: 0, Code: "NETWORK_ERROR", Details: err.Error(), Method: http.MethodGet, Url: sourceUrl})
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(resp.Body)
		return tracerr.Wrap(utils.APIError{Status: resp.StatusCode, Code: "DOWNLOAD_FAILED", Raw: string(responseBody), Method: http.MethodGet, Url: sourceUrl})
	}

	tempFile := fmt.Sprintf("%s.partial", localFile)
	file, err := os.OpenFile(tempFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return tracerr.Wrap(err)
	}
	_, err = io.Copy(file, &progressReader{src: resp.Body, sink: progressSink})
	if err != nil {
		_ = file.Close()
		_ = os.Remove(tempFile)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return tracerr.Wrap(utils.APIError{Status: 0, Code: "NETWORK_ERROR", Details: err.Error(), Method: http.MethodGet, Url: sourceUrl})
		}
		return tracerr.Wrap(err)
	}
	err = file.Close()
	if err != nil {
		_ = os.Remove(tempFile)
		return tracerr.Wrap(err)
	}
	err = os.Rename(tempFile, localFile)
	if err != nil {
		_ = os.Remove(tempFile)
		return tracerr.Wrap(err)
	}
	return nil
}

// IsRetryable classifies a transfer failure. Crypto failures are never
// retryable; transport failures follow the API error classification, with
// connectivity, timeouts and server 5xx retryable and other 4xx terminal.
func IsRetryable(err error) bool {
	var arxError utils.ArxError
	if errors.As(err, &arxError) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return utils.IsRetryableAPIError(err)
}
