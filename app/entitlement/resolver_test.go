package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"example/mixreport-api/app/abuse"
	"example/mixreport-api/app/ledger"
	"example/mixreport-api/app/metrics"
	"example/mixreport-api/app/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC)

type staticGate abuse.Verdict

func (g staticGate) Classify(context.Context, abuse.Origin) abuse.Verdict { return abuse.Verdict(g) }

type downStore struct{}

func (downStore) Load(context.Context, models.Actor) (ledger.Snapshot, error) {
	return ledger.Snapshot{}, ledger.ErrUnavailable
}

func (downStore) Commit(context.Context, ledger.CommitRequest) (ledger.Entry, error) {
	return ledger.Entry{}, ledger.ErrUnavailable
}

var allow = staticGate{Kind: abuse.Allow, Path: abuse.PathDirect}

func newResolver(store Store, gate Classifier) *Resolver {
	return NewResolver(store, gate, models.DefaultPolicies(), Options{Now: func() time.Time { return now }})
}

func TestResolveFreeExhaustion(t *testing.T) {
	m := ledger.NewMemory()
	actor := models.AccountActor("u1", models.PlanFree)
	m.Put(ledger.Entry{ActorID: actor.ID(), LifetimeUsed: 2})

	d := newResolver(m, allow).Resolve(context.Background(), actor, abuse.Origin{})
	assert.False(t, d.CanConsume)
	assert.Equal(t, models.ReasonLimitReached, d.Reason)
	assert.False(t, d.Retryable)
	require.NotNil(t, d.Usage.Remaining)
	assert.Equal(t, 0, *d.Usage.Remaining)
}

func TestResolveAndCommitProRollover(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory()
	m.PutAccount(models.Account{ID: "p1", Plan: models.PlanPro, Status: models.SubscriptionActive})
	actor := models.AccountActor("p1", models.PlanPro)
	m.Put(ledger.Entry{ActorID: actor.ID(), CycleUsed: 30, CycleStartedAt: now.AddDate(0, 0, -3), AddonRemaining: 5})
	r := newResolver(m, allow)

	d := r.Resolve(ctx, actor, abuse.Origin{})
	require.True(t, d.CanConsume)

	e, err := r.Commit(ctx, actor, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 30, e.CycleUsed)
	assert.Equal(t, 4, e.AddonRemaining)
}

func TestResolveVPNAnonymous(t *testing.T) {
	m := ledger.NewMemory()
	gate := staticGate{Kind: abuse.DenyVPN, Service: "ExampleVPN"}

	d := newResolver(m, gate).Resolve(context.Background(), models.Anonymous("fp"), abuse.Origin{IP: "203.0.113.9"})
	assert.False(t, d.CanConsume)
	assert.Equal(t, models.ReasonVPNDetected, d.Reason)
	assert.Equal(t, "ExampleVPN", d.Service)

	err := DecisionError(d, models.Anonymous("fp"))
	var abuseErr *AbuseDetectedError
	require.ErrorAs(t, err, &abuseErr)
	assert.Equal(t, "ExampleVPN", abuseErr.Service)
	assert.Equal(t, models.RemedyDisableVPN, models.RemedyOf(err))
}

func TestResolveAccountsSkipGate(t *testing.T) {
	d := newResolver(ledger.NewMemory(), staticGate{Kind: abuse.DenyVPN}).
		Resolve(context.Background(), models.AccountActor("u", models.PlanFree), abuse.Origin{})
	assert.True(t, d.CanConsume)
}

func TestResolveFailsClosed(t *testing.T) {
	ctx := context.Background()
	actors := []models.Actor{
		models.Anonymous("fp"),
		models.AccountActor("free", models.PlanFree),
		models.AccountActor("pro", models.PlanPro),
	}
	for _, a := range actors {
		d := newResolver(downStore{}, allow).Resolve(ctx, a, abuse.Origin{IP: "203.0.113.1"})
		assert.False(t, d.CanConsume, a.ID())
		assert.Equal(t, models.ReasonVerificationFailed, d.Reason, a.ID())
		assert.True(t, d.Retryable, a.ID())
	}

	unverified := staticGate{Kind: abuse.DenyRate, Unverified: true}
	d := newResolver(ledger.NewMemory(), unverified).Resolve(ctx, models.Anonymous("fp"), abuse.Origin{IP: "203.0.113.1"})
	assert.False(t, d.CanConsume)
	assert.Equal(t, models.ReasonLimitReached, d.Reason)
	assert.True(t, d.Retryable)

	d = newResolver(ledger.NewMemory(), nil).Resolve(ctx, models.Anonymous("fp"), abuse.Origin{IP: "203.0.113.1"})
	assert.False(t, d.CanConsume)
}

func TestResolveSubscriptionInactive(t *testing.T) {
	m := ledger.NewMemory()
	m.PutAccount(models.Account{ID: "p1", Plan: models.PlanPro, Status: models.SubscriptionPastDue})
	actor := models.AccountActor("p1", models.PlanPro)

	d := newResolver(m, allow).Resolve(context.Background(), actor, abuse.Origin{})
	assert.Equal(t, models.ReasonSubscriptionInactive, d.Reason)
	assert.False(t, d.Retryable)
	assert.Equal(t, models.RemedyUpgrade, models.RemedyOf(DecisionError(d, actor)))
}

func TestConcurrentDoubleCompletion(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory()
	m.PutAccount(models.Account{ID: "p1", Plan: models.PlanPro, Status: models.SubscriptionActive})
	actor := models.AccountActor("p1", models.PlanPro)
	m.Put(ledger.Entry{ActorID: actor.ID(), CycleUsed: 29, CycleStartedAt: now.AddDate(0, 0, -1)})

	reg := prometheus.NewRegistry()
	r := NewResolver(m, allow, models.DefaultPolicies(), Options{Now: func() time.Time { return now }, Metrics: metrics.New(reg)})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Commit(ctx, actor, "", nil)
		}(i)
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	require.Len(t, failed, 1)
	var qd *QuotaDeniedError
	require.ErrorAs(t, failed[0], &qd)
	assert.Equal(t, models.ReasonLimitReached, qd.Reason)

	s, err := m.Load(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, 30, s.Entry.CycleUsed)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Commits.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Commits.WithLabelValues("rejected")))
}

func TestCommitStoreDown(t *testing.T) {
	_, err := newResolver(downStore{}, allow).Commit(context.Background(), models.AccountActor("u", models.PlanFree), "job-1", nil)
	var vf *VerificationFailedError
	require.ErrorAs(t, err, &vf)
	assert.True(t, errors.Is(err, ledger.ErrUnavailable))
	assert.Equal(t, models.RemedyRetry, models.RemedyOf(err))
}

func TestCheckAnonymousRemedy(t *testing.T) {
	m := ledger.NewMemory()
	anon := models.Anonymous("fp")
	m.Put(ledger.Entry{ActorID: anon.ID(), LifetimeUsed: 1})

	err := newResolver(m, allow).Check(context.Background(), anon, abuse.Origin{IP: "203.0.113.1"})
	assert.Equal(t, models.RemedySignUp, models.RemedyOf(err))
}
