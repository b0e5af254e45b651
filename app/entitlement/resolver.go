// Package entitlement is the single place that decides whether an actor may
// consume an analysis, and the only caller of the ledger's Commit.
package entitlement

import (
	"context"
	"errors"
	"time"

	"example/mixreport-api/app/abuse"
	"example/mixreport-api/app/ledger"
	"example/mixreport-api/app/logging"
	"example/mixreport-api/app/metrics"
	"example/mixreport-api/app/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrAlreadyRecorded is returned by Commit when the job was already charged
// or its result already persisted; nothing was spent.
var ErrAlreadyRecorded = ledger.ErrDuplicateRecord

type Store interface {
	Load(ctx context.Context, actor models.Actor) (ledger.Snapshot, error)
	Commit(ctx context.Context, req ledger.CommitRequest) (ledger.Entry, error)
}

type Classifier interface {
	Classify(ctx context.Context, o abuse.Origin) abuse.Verdict
}

type Resolver struct {
	store    Store
	gate     Classifier
	policies models.Policies
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewResolver wires the resolver. A nil gate denies every anonymous actor.
func NewResolver(store Store, gate Classifier, policies models.Policies, opts Options) *Resolver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{
		store:    store,
		gate:     gate,
		policies: policies,
		now:      opts.Now,
		log:      logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("example/mixreport-api/app/entitlement"),
	}
}

// Policies returns the quota policies the resolver enforces.
func (r *Resolver) Policies() models.Policies { return r.policies }

// Resolve is advisory. The origin is only consulted for anonymous actors.
func (r *Resolver) Resolve(ctx context.Context, actor models.Actor, origin abuse.Origin) models.Decision {
	ctx, span := r.tracer.Start(ctx, "entitlement.Resolve",
		trace.WithAttributes(attribute.String("actor.kind", string(actor.Kind))))
	defer span.End()

	d := r.resolve(ctx, actor, origin)

	span.SetAttributes(
		attribute.Bool("can_consume", d.CanConsume),
		attribute.String("reason", string(d.Reason)),
	)
	r.metrics.Decision(string(actor.Kind), string(d.Reason))
	if !d.CanConsume {
		r.log.Info("entitlement denied",
			zap.String("actor", actor.ID()),
			zap.String("reason", string(d.Reason)),
			zap.Bool("retryable", d.Retryable))
	}
	return d
}

func (r *Resolver) resolve(ctx context.Context, actor models.Actor, origin abuse.Origin) models.Decision {
	if actor.IsAnonymous() {
		v := abuse.Verdict{Kind: abuse.DenyRate, Unverified: true}
		if r.gate != nil {
			v = r.gate.Classify(ctx, origin)
		}
		switch v.Kind {
		case abuse.Allow:
		case abuse.DenyVPN:
			d := models.Deny(models.ReasonVPNDetected)
			d.Service = v.Service
			return d
		default:
			d := models.Deny(models.ReasonLimitReached)
			d.Retryable = v.Unverified
			return d
		}
	}

	snap, err := r.store.Load(ctx, actor)
	if err != nil {
		r.log.Warn("ledger unavailable, failing closed", zap.String("actor", actor.ID()), zap.Error(err))
		return models.Deny(models.ReasonVerificationFailed)
	}

	now := r.now()
	usage := ledger.Summarize(snap, r.policies, now)
	switch err := ledger.Check(snap, r.policies, now); {
	case err == nil:
		return models.Allow(usage)
	case errors.Is(err, ledger.ErrSubscriptionInactive):
		d := models.Deny(models.ReasonSubscriptionInactive)
		d.Usage = usage
		return d
	case errors.Is(err, ledger.ErrLimitReached):
		d := models.Deny(models.ReasonLimitReached)
		d.Usage = usage
		return d
	default:
		return models.Deny(models.ReasonVerificationFailed)
	}
}

// Check is Resolve expressed as a taxonomy error.
func (r *Resolver) Check(ctx context.Context, actor models.Actor, origin abuse.Origin) error {
	return DecisionError(r.Resolve(ctx, actor, origin), actor)
}

// Usage reads the actor's ledger without running the abuse gate.
func (r *Resolver) Usage(ctx context.Context, actor models.Actor) (*models.Usage, *models.Account, error) {
	snap, err := r.store.Load(ctx, actor)
	if err != nil {
		return nil, nil, &VerificationFailedError{Err: err}
	}
	return ledger.Summarize(snap, r.policies, r.now()), snap.Account, nil
}

// Commit spends one unit for actor, persisting record in the same
// transaction when it is not nil. A job already charged to actor returns
// ErrAlreadyRecorded. A rejected conditional update surfaces as
// QuotaDeniedError{LIMIT_REACHED} exactly like a fresh denial.
func (r *Resolver) Commit(ctx context.Context, actor models.Actor, jobID string, record *models.AnalysisRecord) (ledger.Entry, error) {
	ctx, span := r.tracer.Start(ctx, "entitlement.Commit",
		trace.WithAttributes(
			attribute.String("actor.kind", string(actor.Kind)),
			attribute.Bool("record", record != nil),
		))
	defer span.End()

	entry, err := r.store.Commit(ctx, ledger.CommitRequest{
		Actor:    actor,
		Policies: r.policies,
		Now:      r.now(),
		JobID:    jobID,
		Record:   record,
	})

	outcome := "committed"
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrLimitReached):
		outcome, err = "rejected", &QuotaDeniedError{Reason: models.ReasonLimitReached, Anonymous: actor.IsAnonymous()}
	case errors.Is(err, ledger.ErrSubscriptionInactive):
		outcome, err = "rejected", &QuotaDeniedError{Reason: models.ReasonSubscriptionInactive}
	case errors.Is(err, ledger.ErrDuplicateRecord):
		outcome = "duplicate"
	default:
		outcome, err = "error", &VerificationFailedError{Err: err}
	}

	r.metrics.Commit(outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.log.Info("commit not applied",
			zap.String("actor", actor.ID()),
			zap.String("outcome", outcome),
			zap.Error(err))
		return entry, err
	}
	r.log.Debug("unit committed",
		zap.String("actor", actor.ID()),
		zap.Int("cycle_used", entry.CycleUsed),
		zap.Int("lifetime_used", entry.LifetimeUsed),
		zap.Int("addon_remaining", entry.AddonRemaining))
	return entry, nil
}
