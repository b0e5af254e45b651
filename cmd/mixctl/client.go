package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example/mixreport-api/app/engine"
	"example/mixreport-api/app/entitlement"
	"example/mixreport-api/app/jobs"
	"example/mixreport-api/app/models"
)

// apiClient talks to a running API the way the browser does, cookie slot
// included.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) (*apiClient, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid --api: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Jar: jar, Timeout: 5 * time.Minute},
	}, nil
}

type jobEnvelope struct {
	Job models.Job `json:"job"`
}

// Submit uploads path and returns the accepted job.
func (a *apiClient) Submit(ctx context.Context, path string, opts engine.Options) (models.Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Job{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return models.Job{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return models.Job{}, err
	}
	if len(opts) > 0 {
		raw, _ := json.Marshal(opts)
		if err := w.WriteField("options", string(raw)); err != nil {
			return models.Job{}, err
		}
	}
	if err := w.Close(); err != nil {
		return models.Job{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/analyses", &body)
	if err != nil {
		return models.Job{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	var env jobEnvelope
	if err := a.do(req, &env); err != nil {
		return models.Job{}, err
	}
	return env.Job, nil
}

// Status implements jobs.StatusSource over GET /api/jobs/:id.
func (a *apiClient) Status(ctx context.Context, jobID string) (engine.PollResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/api/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return engine.PollResponse{}, err
	}
	var env jobEnvelope
	err = a.do(req, &env)
	var fj *failedJob
	if errors.As(err, &fj) && fj.job != nil {
		// A failed job is still a status the poller should see.
		env.Job, err = *fj.job, nil
	}
	if err != nil {
		return engine.PollResponse{}, err
	}
	j := env.Job
	return engine.PollResponse{Status: j.Status, Progress: j.Progress, Result: j.Result, Error: j.Error}, nil
}

func (a *apiClient) do(req *http.Request, out any) error {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return &jobs.TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return &jobs.TransportError{Err: err}
	}
	if resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &jobs.TransportError{Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}
	return decodeFailure(resp.StatusCode, raw)
}

// decodeFailure rebuilds the typed error behind an API error body so the
// poller can tell retryable failures from final ones.
func decodeFailure(status int, raw []byte) error {
	var body models.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		if status >= 500 {
			return &jobs.TransportError{Err: fmt.Errorf("http %d", status)}
		}
		return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(raw)))
	}

	switch {
	case body.Reason == models.ReasonVPNDetected:
		return &entitlement.AbuseDetectedError{Service: body.Service}
	case body.Reason == models.ReasonVerificationFailed || status == http.StatusServiceUnavailable:
		return &entitlement.VerificationFailedError{Err: errors.New(body.Error)}
	case body.Reason != "":
		return &entitlement.QuotaDeniedError{
			Reason:    body.Reason,
			Anonymous: body.Remedy == models.RemedySignUp,
			Retryable: body.Remedy == models.RemedyRetry,
			Usage:     body.Usage,
		}
	case status == http.StatusUnprocessableEntity:
		return &failedJob{EngineError: &jobs.EngineError{Message: body.Error}, job: body.Job}
	case status == http.StatusGatewayTimeout:
		return &jobs.TimeoutError{}
	case status >= 500:
		return &jobs.TransportError{Err: errors.New(body.Error)}
	}
	return fmt.Errorf("http %d: %s", status, body.Error)
}

// failedJob carries the job snapshot that came with an engine failure.
type failedJob struct {
	*jobs.EngineError
	job *models.Job
}

func (f *failedJob) Unwrap() error { return f.EngineError }
