package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPEngine talks to an engine exposing POST /jobs and GET /jobs/{id}.
type HTTPEngine struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPEngine(baseURL, apiKey string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// WithClient swaps the HTTP client, mostly for tests.
func (h *HTTPEngine) WithClient(c *http.Client) *HTTPEngine {
	h.client = c
	return h
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (b errorBody) text() string {
	if b.Error != "" {
		return b.Error
	}
	return b.Message
}

func (h *HTTPEngine) Submit(ctx context.Context, u Upload, opts Options) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range opts {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	fw, err := mw.CreateFormFile("file", u.Name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(u.Body); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/jobs", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	h.authorize(req)

	res, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusOK || res.StatusCode == http.StatusCreated || res.StatusCode == http.StatusAccepted:
		var out submitResponse
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("%w: decode submit response: %v", ErrTransport, err)
		}
		if out.JobID == "" {
			return "", fmt.Errorf("%w: engine returned no job id", ErrTransport)
		}
		return out.JobID, nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return "", fmt.Errorf("%w: http %d", ErrTransport, res.StatusCode)
	default:
		var b errorBody
		_ = json.NewDecoder(io.LimitReader(res.Body, 1<<16)).Decode(&b)
		return "", fmt.Errorf("%w: http %d: %s", ErrRejected, res.StatusCode, b.text())
	}
}

func (h *HTTPEngine) Poll(ctx context.Context, engineJobID string) (PollResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/jobs/"+url.PathEscape(engineJobID), nil)
	if err != nil {
		return PollResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	h.authorize(req)

	res, err := h.client.Do(req)
	if err != nil {
		return PollResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return PollResponse{}, fmt.Errorf("%w: http %d", ErrTransport, res.StatusCode)
	}
	var out PollResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return PollResponse{}, fmt.Errorf("%w: decode poll response: %v", ErrTransport, err)
	}
	return out, nil
}

func (h *HTTPEngine) authorize(req *http.Request) {
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
}
