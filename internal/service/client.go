package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

const (
	uploadPath  = "api/v1/runs"
	contentType = "application/json"
)

// HTTPUploader posts reports to a collecting server.
type HTTPUploader struct {
	requestURL *url.URL
	client     *http.Client
}

func NewHTTPUploader(serverURL string) (*HTTPUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = uploadPath

	return &HTTPUploader{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

func (c *HTTPUploader) Upload(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	created, err := decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "report uploaded", slog.String("id", created.ID))
	return nil
}

type runCreateResponse struct {
	ID string `json:"id"`
}

func decodeUploadResponse(resp *http.Response) (runCreateResponse, error) {
	switch resp.StatusCode {
	case http.StatusCreated:
		ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if err != nil {
			return runCreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
		}
		if ct != "application/json" {
			return runCreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", ct)
		}
		var rc runCreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&rc); err != nil {
			return runCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if rc.ID == "" {
			return runCreateResponse{}, errors.New("received unexpected body")
		}
		return rc, nil
	case http.StatusNoContent:
		return runCreateResponse{}, nil
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return runCreateResponse{}, err
	}
	return runCreateResponse{}, fmt.Errorf("unexpected status: %d, body: %s", resp.StatusCode, string(respBody))
}
