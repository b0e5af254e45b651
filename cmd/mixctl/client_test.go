package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"example/mixreport-api/app/entitlement"
	"example/mixreport-api/app/jobs"
	"example/mixreport-api/app/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFailure(t *testing.T) {
	body := func(r models.ErrorResponse) []byte {
		raw, _ := json.Marshal(r)
		return raw
	}
	cases := []struct {
		name      string
		status    int
		raw       []byte
		retryable bool
		remedy    models.Remedy
	}{
		{"quota for anonymous", 402, body(models.ErrorResponse{Error: "x", Reason: models.ReasonLimitReached, Remedy: models.RemedySignUp}), false, models.RemedySignUp},
		{"quota for account", 402, body(models.ErrorResponse{Error: "x", Reason: models.ReasonLimitReached, Remedy: models.RemedyUpgrade}), false, models.RemedyUpgrade},
		{"vpn", 403, body(models.ErrorResponse{Error: "x", Reason: models.ReasonVPNDetected, Remedy: models.RemedyDisableVPN}), false, models.RemedyDisableVPN},
		{"verification", 503, body(models.ErrorResponse{Error: "x", Reason: models.ReasonVerificationFailed, Remedy: models.RemedyRetry}), true, models.RemedyRetry},
		{"bad gateway", 502, body(models.ErrorResponse{Error: "engine unreachable", Remedy: models.RemedyRetry}), true, models.RemedyRetry},
		{"plain 500", 500, []byte("oops"), true, models.RemedyRetry},
		{"engine failure", 422, body(models.ErrorResponse{Error: "corrupt file", Remedy: models.RemedyNone}), false, models.RemedyNone},
		{"timeout", 504, body(models.ErrorResponse{Error: "x", Remedy: models.RemedyResubmit}), false, models.RemedyResubmit},
		{"not found", 404, body(models.ErrorResponse{Error: "job not found", Remedy: models.RemedyNone}), false, models.RemedyNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := decodeFailure(tc.status, tc.raw)
			require.Error(t, err)
			assert.Equal(t, tc.retryable, jobs.Retryable(err))
			assert.Equal(t, tc.remedy, models.RemedyOf(err))
		})
	}
}

func TestAnalyzeAgainstAPI(t *testing.T) {
	var polls atomic.Int32
	var sawCookie atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/analyses":
			f, _, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.Close()
			http.SetCookie(w, &http.Cookie{Name: "mx_slot", Value: "slot-1", Path: "/"})
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]any{"job": models.Job{ID: "job-1", Status: models.JobQueued}})
		case r.Method == http.MethodGet && r.URL.Path == "/api/jobs/job-1":
			if c, err := r.Cookie("mx_slot"); err == nil && c.Value == "slot-1" {
				sawCookie.Store(true)
			}
			switch polls.Add(1) {
			case 1:
				w.WriteHeader(http.StatusBadGateway)
				json.NewEncoder(w).Encode(models.ErrorResponse{Error: "engine unreachable", Remedy: models.RemedyRetry})
			case 2:
				json.NewEncoder(w).Encode(map[string]any{"job": models.Job{ID: "job-1", Status: models.JobAnalyzing, Progress: 40}})
			default:
				json.NewEncoder(w).Encode(map[string]any{"job": models.Job{
					ID: "job-1", Status: models.JobComplete, Progress: 100, Result: json.RawMessage(`{"lufs":-9}`),
				}})
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "mix.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o600))

	client, err := newAPIClient(srv.URL, "")
	require.NoError(t, err)
	ctx := context.Background()
	job, err := client.Submit(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)

	p := jobs.Poller{Interval: time.Millisecond, Budget: jobs.Budget{MaxAttempts: 10, MaxTransportFailures: 3}}
	state, err := p.Await(ctx, client, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobComplete, state.Status)
	assert.JSONEq(t, `{"lufs":-9}`, string(state.Result))
	assert.EqualValues(t, 3, polls.Load())
	assert.True(t, sawCookie.Load())
}

func TestStatusSurfacesFailedJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(models.ErrorResponse{
			Error:  "unsupported codec",
			Remedy: models.RemedyNone,
			Job:    &models.Job{ID: "job-2", Status: models.JobFailed, Progress: 30, Error: "unsupported codec"},
		})
	}))
	defer srv.Close()

	client, err := newAPIClient(srv.URL, "tok")
	require.NoError(t, err)
	p := jobs.Poller{Interval: time.Millisecond, Budget: jobs.Budget{MaxAttempts: 5}}
	state, err := p.Await(context.Background(), client, "job-2")

	var ee *jobs.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "unsupported codec", ee.Message)
	assert.Equal(t, models.JobFailed, state.Status)
}

func TestQuotaDenialStopsPolling(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(models.ErrorResponse{Error: "quota denied", Reason: models.ReasonLimitReached, Remedy: models.RemedyUpgrade})
	}))
	defer srv.Close()

	client, err := newAPIClient(srv.URL, "tok")
	require.NoError(t, err)
	p := jobs.Poller{Interval: time.Millisecond, Budget: jobs.Budget{MaxAttempts: 5}}
	_, err = p.Await(context.Background(), client, "job-3")

	var qd *entitlement.QuotaDeniedError
	require.True(t, errors.As(err, &qd))
	assert.Equal(t, models.ReasonLimitReached, qd.Reason)
	assert.EqualValues(t, 1, polls.Load())
}

func TestParseActor(t *testing.T) {
	a, err := parseActor("acct:auth0|42")
	require.NoError(t, err)
	assert.Equal(t, "auth0|42", a.AccountID)
	assert.False(t, a.IsAnonymous())

	a, err = parseActor("anon:abc")
	require.NoError(t, err)
	assert.True(t, a.IsAnonymous())
	assert.Equal(t, "anon:abc", a.ID())

	_, err = parseActor("bob")
	assert.Error(t, err)
}
