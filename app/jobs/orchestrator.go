package jobs

import (
	"context"
	"errors"
	"time"

	"example/mixreport-api/app/abuse"
	"example/mixreport-api/app/engine"
	"example/mixreport-api/app/entitlement"
	"example/mixreport-api/app/ledger"
	"example/mixreport-api/app/logging"
	"example/mixreport-api/app/metrics"
	"example/mixreport-api/app/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Entitlements interface {
	Check(ctx context.Context, actor models.Actor, origin abuse.Origin) error
	Commit(ctx context.Context, actor models.Actor, jobID string, record *models.AnalysisRecord) (ledger.Entry, error)
}

// Capturer keeps an anonymous result for a later sign-in.
type Capturer interface {
	Capture(ctx context.Context, slotKey string, p models.PendingResult) error
}

// Requester is whoever is calling, plus the client slot that would hold an
// anonymous result.
type Requester struct {
	Actor   models.Actor
	Origin  abuse.Origin
	SlotKey string
}

type Orchestrator struct {
	ent           Entitlements
	engine        engine.Engine
	repo          Repository
	compressor    Compressor
	compressAbove int64
	capture       Capturer
	now           func() time.Time
	log           *zap.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
}

type Options struct {
	Compressor    Compressor
	CompressAbove int64
	Capturer      Capturer
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

func NewOrchestrator(ent Entitlements, eng engine.Engine, repo Repository, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		ent:           ent,
		engine:        eng,
		repo:          repo,
		compressor:    opts.Compressor,
		compressAbove: opts.CompressAbove,
		capture:       opts.Capturer,
		now:           opts.Now,
		log:           logging.OrNop(opts.Logger),
		metrics:       opts.Metrics,
		tracer:        otel.Tracer("example/mixreport-api/app/jobs"),
	}
}

// Submit runs the entitlement pre-check before anything is sent, then hands
// the file to the engine. Nothing is charged here.
func (o *Orchestrator) Submit(ctx context.Context, req Requester, u engine.Upload, opts engine.Options) (models.Job, error) {
	ctx, span := o.tracer.Start(ctx, "jobs.Submit",
		trace.WithAttributes(attribute.Int64("upload.bytes", u.Size())))
	defer span.End()

	if err := o.ent.Check(ctx, req.Actor, req.Origin); err != nil {
		return models.Job{}, &SubmissionRejectedError{Reason: reasonOf(err), Err: err}
	}
	if u.Size() == 0 {
		return models.Job{}, &SubmissionRejectedError{Err: ErrEmptyUpload}
	}

	u, compressed := o.maybeCompress(ctx, u)
	span.SetAttributes(attribute.Bool("compressed", compressed))

	engineID, err := o.engine.Submit(ctx, u, opts)
	if errors.Is(err, engine.ErrRejected) {
		return models.Job{}, &SubmissionRejectedError{Err: err}
	}
	if err != nil {
		return models.Job{}, &TransportError{Err: err}
	}

	now := o.now()
	job := models.Job{
		ID:          uuid.NewString(),
		EngineJobID: engineID,
		OwnerID:     req.Actor.ID(),
		Fingerprint: req.Actor.Fingerprint,
		Status:      models.JobQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.repo.Create(ctx, job); err != nil {
		return models.Job{}, &TransportError{Err: err}
	}
	o.metrics.Submitted(compressed)
	o.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("actor", job.OwnerID),
		zap.Bool("compressed", compressed))
	return job, nil
}

// maybeCompress falls back to the original upload on any failure.
func (o *Orchestrator) maybeCompress(ctx context.Context, u engine.Upload) (engine.Upload, bool) {
	if o.compressor == nil || o.compressAbove <= 0 || u.Size() <= o.compressAbove {
		return u, false
	}
	c, err := o.compressor.Compress(ctx, u)
	if err != nil {
		o.log.Warn("compression failed, sending original", zap.String("file", u.Name), zap.Error(err))
		return u, false
	}
	if c.Size() == 0 || c.Size() >= u.Size() {
		return u, false
	}
	return c, true
}

// owns matches the submitting actor. An anonymous job also stays reachable
// from its device after sign-in; an account job never answers to a
// fingerprint alone.
func owns(j models.Job, a models.Actor) bool {
	if j.OwnerID == a.ID() {
		return true
	}
	return j.Owner().IsAnonymous() && j.Fingerprint != "" && j.Fingerprint == a.Fingerprint
}

// chargeTo is who pays for a completed job. Account jobs always bill their
// owner. An anonymous job finished after its device signed in bills the
// account now asking.
func chargeTo(j models.Job, requester models.Actor) models.Actor {
	owner := j.Owner()
	if owner.IsAnonymous() && !requester.IsAnonymous() {
		return requester
	}
	return owner
}

// Status runs one engine poll through Step and stores the result. The first
// request that sees the job complete finalizes it: quota is committed for
// the job's payer and only then is the result released.
func (o *Orchestrator) Status(ctx context.Context, req Requester, jobID string) (models.Job, error) {
	ctx, span := o.tracer.Start(ctx, "jobs.Status", trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	job, err := o.repo.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, &TransportError{Err: err}
	}
	if !owns(job, req.Actor) {
		return models.Job{}, ErrJobNotFound
	}
	if job.Revoked || job.Status.Terminal() {
		return job, withheldError(job, req.Actor)
	}

	r, err := o.engine.Poll(ctx, job.EngineJobID)
	if err != nil {
		return job, &TransportError{Err: err}
	}
	if !r.Status.Valid() {
		return job, &TransportError{Err: errString("engine reported unknown status " + string(r.Status))}
	}

	s := Step(FromJob(job), r, Budget{})
	span.SetAttributes(attribute.String("status", string(s.Status)), attribute.Int("progress", s.Progress))

	switch s.Outcome {
	case Completed:
		return o.finalize(ctx, req, job, s)
	case Failed:
		job.Status, job.Progress, job.Error = models.JobFailed, s.Progress, s.Err
		o.metrics.Terminal(string(models.JobFailed))
	default:
		job.Status, job.Progress = s.Status, s.Progress
	}
	return o.save(ctx, job)
}

func (o *Orchestrator) save(ctx context.Context, job models.Job) (models.Job, error) {
	saved, err := o.repo.Update(ctx, job)
	if errors.Is(err, ErrConflict) {
		return saved, nil
	}
	if err != nil {
		return job, &TransportError{Err: err}
	}
	return saved, nil
}

// saveFinal retries on conflict: once quota is committed the terminal state
// must land even if a concurrent poll wrote progress in between.
func (o *Orchestrator) saveFinal(ctx context.Context, job models.Job) (models.Job, error) {
	for i := 0; i < 5; i++ {
		saved, err := o.repo.Update(ctx, job)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, ErrConflict) {
			return job, &TransportError{Err: err}
		}
		job.UpdatedAt = saved.UpdatedAt
	}
	return job, &TransportError{Err: ErrConflict}
}

func (o *Orchestrator) finalize(ctx context.Context, req Requester, job models.Job, s State) (models.Job, error) {
	claimed, err := o.repo.MarkFinalized(ctx, job.ID)
	if err != nil {
		return job, &TransportError{Err: err}
	}
	if !claimed {
		// Another request is finalizing; report what is stored.
		cur, err := o.repo.Get(ctx, job.ID)
		if err != nil {
			return job, &TransportError{Err: err}
		}
		return cur, withheldError(cur, req.Actor)
	}

	actor := chargeTo(job, req.Actor)
	var record *models.AnalysisRecord
	if !actor.IsAnonymous() {
		record = &models.AnalysisRecord{
			ID:        uuid.NewString(),
			AccountID: actor.AccountID,
			JobID:     job.ID,
			Result:    s.Result,
			CreatedAt: o.now(),
		}
	}
	// A repeat means an earlier claim was charged but its save was lost.
	_, commitErr := o.ent.Commit(ctx, actor, job.ID, record)
	if errors.Is(commitErr, entitlement.ErrAlreadyRecorded) {
		commitErr = nil
	}

	var qd *entitlement.QuotaDeniedError
	switch {
	case commitErr == nil:
		job.Status, job.Progress, job.Result = models.JobComplete, 100, s.Result
	case errors.As(commitErr, &qd):
		job.Status, job.Progress = models.JobComplete, 100
		job.Result = nil
		job.Reason = qd.Reason
		job.Error = "result withheld: " + string(qd.Reason)
	default:
		o.release(ctx, job.ID)
		return job, commitErr
	}

	saved, err := o.saveFinal(ctx, job)
	if err != nil {
		o.release(ctx, job.ID)
		return saved, err
	}
	o.metrics.Terminal(string(models.JobComplete))

	if commitErr != nil {
		o.log.Info("result withheld after final commit",
			zap.String("job_id", job.ID),
			zap.String("actor", actor.ID()),
			zap.String("reason", string(qd.Reason)))
		return saved, commitErr
	}

	if actor.IsAnonymous() && o.capture != nil {
		p := models.PendingResult{JobID: job.ID, Fingerprint: actor.Fingerprint, Result: s.Result, CapturedAt: o.now()}
		if err := o.capture.Capture(ctx, req.SlotKey, p); err != nil {
			o.log.Warn("pending result not captured", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	o.log.Info("job finalized", zap.String("job_id", job.ID), zap.String("actor", actor.ID()))
	return saved, nil
}

// release lets a later poll finalize again.
func (o *Orchestrator) release(ctx context.Context, jobID string) {
	if err := o.repo.ClearFinalized(ctx, jobID); err != nil {
		o.log.Error("could not release finalization claim", zap.String("job_id", jobID), zap.Error(err))
	}
}

// withheldError reports a stored post-hoc denial to every later caller.
func withheldError(j models.Job, a models.Actor) error {
	if j.Reason == "" {
		return nil
	}
	return &entitlement.QuotaDeniedError{Reason: j.Reason, Anonymous: a.IsAnonymous()}
}
