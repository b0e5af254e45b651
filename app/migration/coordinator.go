// Package migration decides, at the moment a visitor signs in, whether the
// result they produced anonymously is saved to their account or discarded.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example/mixreport-api/app/abuse"
	"example/mixreport-api/app/entitlement"
	"example/mixreport-api/app/jobs"
	"example/mixreport-api/app/ledger"
	"example/mixreport-api/app/logging"
	"example/mixreport-api/app/metrics"
	"example/mixreport-api/app/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNoSlot = errors.New("migration: no slot key")

type Outcome string

const (
	OutcomeNone          Outcome = "NONE"
	OutcomeSaved         Outcome = "SAVED"
	OutcomeQuotaExceeded Outcome = "QUOTA_EXCEEDED"
)

type Result struct {
	Outcome      Outcome `json:"outcome"`
	AnalysisID   string  `json:"analysis_id,omitempty"`
	RevokedJobID string  `json:"revoked_job_id,omitempty"`
}

type Entitlements interface {
	Resolve(ctx context.Context, actor models.Actor, origin abuse.Origin) models.Decision
	Commit(ctx context.Context, actor models.Actor, jobID string, record *models.AnalysisRecord) (ledger.Entry, error)
}

// Revoker hides a job's stored result from its anonymous owner.
type Revoker interface {
	Revoke(ctx context.Context, jobID string) error
}

type Coordinator struct {
	slots   Slots
	ent     Entitlements
	revoker Revoker
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(slots Slots, ent Entitlements, revoker Revoker, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		slots:   slots,
		ent:     ent,
		revoker: revoker,
		now:     time.Now,
		log:     logging.OrNop(logger),
		metrics: m,
	}
}

// Capture stores p as the slot's only pending result.
func (c *Coordinator) Capture(ctx context.Context, slotKey string, p models.PendingResult) error {
	if slotKey == "" {
		return ErrNoSlot
	}
	return c.slots.Put(ctx, slotKey, p)
}

// Pending reports what the slot currently holds without touching it.
func (c *Coordinator) Pending(ctx context.Context, slotKey string) (models.PendingResult, bool, error) {
	if slotKey == "" {
		return models.PendingResult{}, false, nil
	}
	return c.slots.Peek(ctx, slotKey)
}

// OnAuthenticated runs once per sign-in. The pending result is either saved
// and committed together or discarded; when the decision cannot be made the
// slot is restored, unless a newer result was captured meanwhile, and
// VerificationFailedError is returned.
func (c *Coordinator) OnAuthenticated(ctx context.Context, slotKey string, account models.Actor) (Result, error) {
	if slotKey == "" {
		return Result{Outcome: OutcomeNone}, nil
	}
	p, ok, err := c.slots.Take(ctx, slotKey)
	if err != nil {
		return Result{}, &entitlement.VerificationFailedError{Err: err}
	}
	if !ok {
		c.metrics.Migration(string(OutcomeNone))
		return Result{Outcome: OutcomeNone}, nil
	}

	res, err := c.decide(ctx, account, p)
	if err != nil {
		if perr := c.slots.Restore(ctx, slotKey, p); perr != nil {
			c.log.Error("pending result lost", zap.String("job_id", p.JobID), zap.Error(perr))
		}
		c.metrics.Migration("error")
		return Result{}, err
	}
	c.metrics.Migration(string(res.Outcome))
	c.log.Info("pending result migrated",
		zap.String("actor", account.ID()),
		zap.String("job_id", p.JobID),
		zap.String("outcome", string(res.Outcome)))
	return res, nil
}

func (c *Coordinator) decide(ctx context.Context, account models.Actor, p models.PendingResult) (Result, error) {
	d := c.ent.Resolve(ctx, account, abuse.Origin{})
	if d.Reason == models.ReasonVerificationFailed {
		return Result{}, &entitlement.VerificationFailedError{}
	}
	if !d.CanConsume {
		return c.discard(ctx, p)
	}

	record := &models.AnalysisRecord{
		ID:        uuid.NewString(),
		AccountID: account.AccountID,
		JobID:     p.JobID,
		Result:    p.Result,
		CreatedAt: c.now(),
	}
	_, err := c.ent.Commit(ctx, account, p.JobID, record)
	var qd *entitlement.QuotaDeniedError
	switch {
	case err == nil:
		return Result{Outcome: OutcomeSaved, AnalysisID: record.ID}, nil
	case errors.Is(err, entitlement.ErrAlreadyRecorded):
		return Result{Outcome: OutcomeSaved}, nil
	case errors.As(err, &qd):
		return c.discard(ctx, p)
	default:
		return Result{}, err
	}
}

func (c *Coordinator) discard(ctx context.Context, p models.PendingResult) (Result, error) {
	if c.revoker != nil && p.JobID != "" {
		err := c.revoker.Revoke(ctx, p.JobID)
		if err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
			return Result{}, fmt.Errorf("revoke job %s: %w", p.JobID, err)
		}
	}
	return Result{Outcome: OutcomeQuotaExceeded, RevokedJobID: p.JobID}, nil
}
