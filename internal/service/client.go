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
	"time"

	"github.com/tncl-dev/tncl/internal/model"
)

const (
	uploadPath  = "api/v1/invocations"
	contentType = "application/json"
)

// RepoUploader publishes invocation results to a remote repository.
type RepoUploader struct {
	requestURL *url.URL
	client     *http.Client
}

func NewRepoUploader(serverURL string) (*RepoUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}

	parsedURL.Path = uploadPath

	c := &RepoUploader{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}

	return c, nil
}

type invocationRequest struct {
	ID       string    `json:"id"`
	Function string    `json:"function"`
	Started  time.Time `json:"started"`
	Payload  []byte    `json:"payload"`
	Response []byte    `json:"response"`
}

func (c *RepoUploader) Upload(ctx context.Context, inv model.Invocation) error {
	raw, err := json.Marshal(invocationRequest(inv))
	if err != nil {
		return fmt.Errorf("encoding invocation: %w", err)
	}
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

	createResp, err := c.decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "invocation uploaded",
		slog.String("invocation_id", inv.ID),
		slog.String("location", createResp.Location))

	return nil
}

type CreateResponse struct {
	Location string `json:"location"`
}

func (c *RepoUploader) decodeUploadResponse(resp *http.Response) (CreateResponse, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return CreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if contentType != "application/json" {
			return CreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		var cr CreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if cr.Location == "" {
			return CreateResponse{}, errors.New("received unexpected body")
		}
		return cr, nil

	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		if contentType != "application/problem+json" {
			return CreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", contentType)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return CreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CreateResponse{}, err
	}
	return CreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
