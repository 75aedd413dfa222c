package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"veritas/api/internal/logging"
)

// SignedUpload is the signed-url endpoint response.
type SignedUpload struct {
	UploadURL string `json:"uploadUrl"`
	Key       string `json:"key"`
}

// Uploader sends a capture straight to object storage through a presigned URL. There is
// no retry: a failed upload is reported and dropped.
type Uploader struct {
	endpoint string
	token    func() string
	client   *http.Client
	log      *zap.Logger
}

// NewUploader targets the signed-url endpoint. token, when set, supplies the bearer token
// for that request.
func NewUploader(endpoint string, token func() string, client *http.Client, logger *zap.Logger) *Uploader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Uploader{endpoint: endpoint, token: token, client: client, log: logging.OrNop(logger)}
}

// Upload returns the object key the image was stored under.
func (u *Uploader) Upload(ctx context.Context, png []byte) (string, error) {
	signed, err := u.signedURL(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signed.UploadURL, bytes.NewReader(png))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.ContentLength = int64(len(png))

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload capture: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload capture: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	u.log.Debug("capture: uploaded", zap.String("key", signed.Key), zap.Int("bytes", len(png)))
	return signed.Key, nil
}

func (u *Uploader) signedURL(ctx context.Context) (SignedUpload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.endpoint, nil)
	if err != nil {
		return SignedUpload{}, fmt.Errorf("build signed url request: %w", err)
	}
	if u.token != nil {
		if token := u.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return SignedUpload{}, fmt.Errorf("request signed url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SignedUpload{}, fmt.Errorf("request signed url: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var signed SignedUpload
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return SignedUpload{}, fmt.Errorf("decode signed url: %w", err)
	}
	if signed.UploadURL == "" {
		return SignedUpload{}, fmt.Errorf("request signed url: empty uploadUrl")
	}
	return signed, nil
}
