package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"example/mixreport-api/app/abuse"
	"example/mixreport-api/app/config"
	"example/mixreport-api/app/engine"
	"example/mixreport-api/app/entitlement"
	"example/mixreport-api/app/jobs"
	"example/mixreport-api/app/ledger"
	"example/mixreport-api/app/migration"
	"example/mixreport-api/app/models"
	"example/mixreport-api/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testWebhookSecret = "whsec_test"

type fakeEngine struct {
	mu       sync.Mutex
	next     atomic.Int32
	status   map[string]engine.PollResponse
	received []engine.Upload
}

func (f *fakeEngine) Submit(_ context.Context, u engine.Upload, _ engine.Options) (string, error) {
	id := fmt.Sprintf("eng-%d", f.next.Add(1))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, u)
	f.status[id] = engine.PollResponse{Status: models.JobQueued}
	return id, nil
}

func (f *fakeEngine) Poll(_ context.Context, id string) (engine.PollResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.status[id]
	if !ok {
		return engine.PollResponse{}, errors.New("unknown engine job")
	}
	return r, nil
}

// completeAll finishes every job the engine has seen.
func (f *fakeEngine) completeAll(result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.status {
		f.status[id] = engine.PollResponse{Status: models.JobComplete, Progress: 100, Result: json.RawMessage(result)}
	}
}

// tokenVerifier accepts "tok-<subject>".
type tokenVerifier struct{}

func (tokenVerifier) Verify(token string) (*auth.Claims, error) {
	var sub string
	if _, err := fmt.Sscanf(token, "tok-%s", &sub); err != nil || sub == "" {
		return nil, errors.New("bad token")
	}
	return &auth.Claims{Subject: sub, Email: sub + "@example.com"}, nil
}

type switchGate struct{ verdict atomic.Value }

func (g *switchGate) Classify(context.Context, abuse.Origin) abuse.Verdict {
	return g.verdict.Load().(abuse.Verdict)
}

type apiHarness struct {
	router *gin.Engine
	store  *ledger.Memory
	eng    *fakeEngine
	gate   *switchGate
}

func newAPIHarness(t *testing.T) *apiHarness {
	return newAPIHarnessWith(t, jobs.Options{})
}

func newAPIHarnessWith(t *testing.T, opts jobs.Options) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Env:    "test",
		Upload: config.UploadConfig{MaxBytes: 1 << 20, CompressAbove: 64 << 10},
		Stripe: config.StripeConfig{
			WebhookSecret:     testWebhookSecret,
			PriceIDProMonthly: "price_pro",
			PriceIDStudio:     "price_studio",
		},
		Quota: models.DefaultPolicies(),
	}
	store := ledger.NewMemory()
	gate := &switchGate{}
	gate.verdict.Store(abuse.Verdict{Kind: abuse.Allow, Path: abuse.PathDirect})
	eng := &fakeEngine{status: map[string]engine.PollResponse{}}
	repo := jobs.NewMemoryRepository()

	resolver := entitlement.NewResolver(store, gate, cfg.Quota, entitlement.Options{})
	coord := migration.NewCoordinator(migration.NewMemorySlots(), resolver, repo, nil, nil)
	opts.Capturer = coord
	opts.CompressAbove = cfg.Upload.CompressAbove
	orch := jobs.NewOrchestrator(resolver, eng, repo, opts)

	router, err := NewRouter(Deps{
		Config:    cfg,
		Ledger:    store,
		Resolver:  resolver,
		Jobs:      orch,
		Migration: coord,
		Billing:   NewBilling(store, cfg.Stripe, nil),
		Verifier:  tokenVerifier{},
		Gatherer:  prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return &apiHarness{router: router, store: store, eng: eng, gate: gate}
}

type call struct {
	token  string
	cookie *http.Cookie
}

func (h *apiHarness) do(t *testing.T, req *http.Request, c call) *httptest.ResponseRecorder {
	t.Helper()
	req.RemoteAddr = "203.0.113.7:5555"
	req.Header.Set("User-Agent", "test-browser")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "mix.wav")
	require.NoError(t, err)
	_, err = part.Write(body)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/analyses", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) models.Job {
	t.Helper()
	var env struct {
		Job models.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Job
}

func slotCookieFrom(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == slotCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", slotCookie)
	return nil
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), call{})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAnonymousTrialThenSignUpThenSave(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, uploadRequest(t, []byte("RIFF....WAVE")), call{})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decodeJob(t, w)
	slot := slotCookieFrom(t, w)
	assert.True(t, slot.HttpOnly)

	w = h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil), call{cookie: slot})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.JobQueued, decodeJob(t, w).Status)

	h.eng.completeAll(`{"lufs":-8.5}`)
	w = h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil), call{cookie: slot})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decodeJob(t, w)
	assert.Equal(t, models.JobComplete, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.JSONEq(t, `{"lufs":-8.5}`, string(done.Result))

	// The device trial is spent.
	w = h.do(t, uploadRequest(t, []byte("RIFF....WAVE")), call{cookie: slot})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var denied models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &denied))
	assert.Equal(t, models.ReasonLimitReached, denied.Reason)
	assert.Equal(t, models.RemedySignUp, denied.Remedy)

	// Signing in settles the pending result into the new account.
	w = h.do(t, httptest.NewRequest(http.MethodPost, "/api/session/authenticated", nil), call{token: "tok-alice", cookie: slot})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res migration.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, migration.OutcomeSaved, res.Outcome)
	assert.NotEmpty(t, res.AnalysisID)

	w = h.do(t, httptest.NewRequest(http.MethodPost, "/api/session/authenticated", nil), call{token: "tok-alice", cookie: slot})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, migration.OutcomeNone, res.Outcome)

	w = h.do(t, httptest.NewRequest(http.MethodGet, "/api/analyses", nil), call{token: "tok-alice"})
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Analyses []models.AnalysisRecord `json:"analyses"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Analyses, 1)
	assert.Equal(t, job.ID, list.Analyses[0].JobID)

	w = h.do(t, httptest.NewRequest(http.MethodGet, "/me", nil), call{token: "tok-alice"})
	require.Equal(t, http.StatusOK, w.Code)
	var me meResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, models.PlanFree, me.Plan)
	require.NotNil(t, me.Usage)
	assert.Equal(t, 1, me.Usage.LifetimeUsed)
}

func TestVPNIsDeniedBeforeUpload(t *testing.T) {
	h := newAPIHarness(t)
	h.gate.verdict.Store(abuse.Verdict{Kind: abuse.DenyVPN, Service: "NordVPN"})

	w := h.do(t, uploadRequest(t, []byte("RIFF")), call{})
	require.Equal(t, http.StatusForbidden, w.Code)
	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.ReasonVPNDetected, body.Reason)
	assert.Equal(t, "NordVPN", body.Service)
	assert.Equal(t, models.RemedyDisableVPN, body.Remedy)
	assert.Zero(t, h.eng.next.Load())
}

func TestEntitlementIsAdvisory(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, httptest.NewRequest(http.MethodGet, "/api/entitlement", nil), call{token: "tok-bob"})
	require.Equal(t, http.StatusOK, w.Code)
	var d models.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.True(t, d.CanConsume)

	w = h.do(t, httptest.NewRequest(http.MethodGet, "/api/entitlement", nil), call{token: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	h := newAPIHarness(t)
	for _, path := range []string{"/me", "/api/analyses"} {
		w := h.do(t, httptest.NewRequest(http.MethodGet, path, nil), call{})
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := h.do(t, httptest.NewRequest(http.MethodPost, "/api/session/authenticated", nil), call{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadValidation(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/analyses", bytes.NewBufferString("x"))
	req.Header.Set("Content-Type", "text/plain")
	w := h.do(t, req, call{token: "tok-carol"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, uploadRequest(t, nil), call{token: "tok-carol"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil), call{token: "tok-dave"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func signedEvent(t *testing.T, payload string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload),
		Secret:  testWebhookSecret,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestWebhookGrantsAddonOnce(t *testing.T) {
	h := newAPIHarness(t)
	payload := `{
		"id": "evt_addon_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"mode": "payment",
			"client_reference_id": "erin",
			"customer": "cus_erin",
			"metadata": {"addon_units": "10"}
		}}
	}`

	for i := 0; i < 2; i++ {
		w := h.do(t, signedEvent(t, payload), call{})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	snap, err := h.store.Load(context.Background(), models.AccountActor("erin", ""))
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Entry.AddonRemaining)
	require.NotNil(t, snap.Account)
	assert.Equal(t, "cus_erin", snap.Account.StripeCustomerID)
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	checkout := `{
		"id": "evt_sub_1", "object": "event", "type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_2", "object": "checkout.session", "mode": "subscription",
			"client_reference_id": "frank", "customer": "cus_frank", "created": 1747180800,
			"metadata": {"plan": "pro"}
		}}
	}`
	w := h.do(t, signedEvent(t, checkout), call{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snap, err := h.store.Load(ctx, models.AccountActor("frank", ""))
	require.NoError(t, err)
	require.NotNil(t, snap.Account)
	assert.Equal(t, models.PlanPro, snap.Account.Plan)
	assert.Equal(t, models.SubscriptionActive, snap.Account.Status)

	upgraded := `{
		"id": "evt_sub_2", "object": "event", "type": "customer.subscription.updated",
		"data": {"object": {
			"id": "sub_1", "object": "subscription", "customer": "cus_frank", "status": "past_due",
			"current_period_start": 1749859200,
			"items": {"object": "list", "data": [{"id": "si_1", "object": "subscription_item", "price": {"id": "price_studio", "object": "price"}}]}
		}}
	}`
	w = h.do(t, signedEvent(t, upgraded), call{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap, err = h.store.Load(ctx, models.AccountActor("frank", ""))
	require.NoError(t, err)
	assert.Equal(t, models.PlanStudio, snap.Account.Plan)
	assert.Equal(t, models.SubscriptionPastDue, snap.Account.Status)

	deleted := `{
		"id": "evt_sub_3", "object": "event", "type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_1", "object": "subscription", "customer": "cus_frank", "status": "canceled"}}
	}`
	w = h.do(t, signedEvent(t, deleted), call{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, uploadRequest(t, []byte("RIFF")), call{token: "tok-frank"})
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.ReasonSubscriptionInactive, body.Reason)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newAPIHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewBufferString(`{"id":"evt_x"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := h.do(t, req, call{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookUnknownCustomerIsAcknowledged(t *testing.T) {
	h := newAPIHarness(t)
	payload := `{
		"id": "evt_orphan", "object": "event", "type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_9", "object": "subscription", "customer": "cus_nobody", "status": "active"}}
	}`
	w := h.do(t, signedEvent(t, payload), call{})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestErrorResponseMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		remedy models.Remedy
	}{
		{"anonymous limit", &jobs.SubmissionRejectedError{Err: &entitlement.QuotaDeniedError{Reason: models.ReasonLimitReached, Anonymous: true}}, 402, models.RemedySignUp},
		{"account limit", &entitlement.QuotaDeniedError{Reason: models.ReasonLimitReached}, 402, models.RemedyUpgrade},
		{"inactive", &entitlement.QuotaDeniedError{Reason: models.ReasonSubscriptionInactive}, 403, models.RemedyUpgrade},
		{"unverified origin", &entitlement.QuotaDeniedError{Reason: models.ReasonLimitReached, Retryable: true}, 429, models.RemedyRetry},
		{"vpn", &entitlement.AbuseDetectedError{Service: "Tor"}, 403, models.RemedyDisableVPN},
		{"verification", &entitlement.VerificationFailedError{Err: ledger.ErrUnavailable}, 503, models.RemedyRetry},
		{"not found", jobs.ErrJobNotFound, 404, models.RemedyNone},
		{"empty upload", &jobs.SubmissionRejectedError{Err: jobs.ErrEmptyUpload}, 400, models.RemedyNone},
		{"engine rejected", &jobs.SubmissionRejectedError{Err: engine.ErrRejected}, 422, models.RemedyNone},
		{"engine failed", &jobs.EngineError{Message: "corrupt"}, 422, models.RemedyNone},
		{"transport", &jobs.TransportError{Err: errors.New("dial")}, 502, models.RemedyRetry},
		{"timeout", &jobs.TimeoutError{JobID: "j", Attempts: 100}, 504, models.RemedyResubmit},
		{"other", errors.New("boom"), 500, models.RemedyNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := errorResponse(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.remedy, body.Remedy)
		})
	}

	_, body := errorResponse(errors.New("pq: password authentication failed"))
	assert.Equal(t, "internal error", body.Error)
}

// halvingCompressor stands in for ffmpeg.
type halvingCompressor struct{}

func (halvingCompressor) Compress(_ context.Context, u engine.Upload) (engine.Upload, error) {
	return engine.Upload{Name: "mix.mp3", ContentType: "audio/mpeg", Body: u.Body[:len(u.Body)/2]}, nil
}

func TestUploadOverEngineCeilingIsCompressed(t *testing.T) {
	h := newAPIHarnessWith(t, jobs.Options{Compressor: halvingCompressor{}})

	// Above the compression threshold but within the request limit.
	w := h.do(t, uploadRequest(t, make([]byte, 200<<10)), call{token: "tok-u1"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, h.eng.received, 1)
	assert.Equal(t, "mix.mp3", h.eng.received[0].Name)
	assert.Equal(t, int64(100<<10), h.eng.received[0].Size())

	w = h.do(t, uploadRequest(t, make([]byte, (1<<20)+(100<<10))), call{token: "tok-u1"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Len(t, h.eng.received, 1)
}
