package jobs

import (
	"context"
	"time"

	"example/mixreport-api/app/engine"
)

// StatusSource answers one status request for a job.
type StatusSource interface {
	Status(ctx context.Context, jobID string) (engine.PollResponse, error)
}

// Poller is the client-side driver around Step. It never cancels the remote
// job: giving up only stops this caller from waiting.
type Poller struct {
	Interval time.Duration
	Budget   Budget
	// OnUpdate, if set, sees every state including the last one.
	OnUpdate func(State)
}

// Await polls until the job finishes, the budget runs out or ctx ends.
// Errors that are not retryable end the loop immediately.
func (p *Poller) Await(ctx context.Context, src StatusSource, jobID string) (State, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s := State{JobID: jobID}
	for {
		r, err := src.Status(ctx, jobID)
		if ctx.Err() != nil {
			return s, ctx.Err()
		}
		switch {
		case err == nil:
			s = Step(s, r, p.Budget)
		case Retryable(err):
			s = StepFailure(s, err, p.Budget)
		default:
			return s, err
		}
		if p.OnUpdate != nil {
			p.OnUpdate(s)
		}
		if s.Done() {
			return s, s.Error()
		}

		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}
