// Package jobs drives one analysis through the external engine: submission
// behind the entitlement pre-check, a pure poll state machine, and the
// server-side finalization that commits quota exactly once.
package jobs

import (
	"encoding/json"

	"example/mixreport-api/app/engine"
	"example/mixreport-api/app/models"
)

type Outcome string

const (
	Pending   Outcome = ""
	Completed Outcome = "complete"
	Failed    Outcome = "failed"
	TimedOut  Outcome = "timeout"
	Unreached Outcome = "transport"
)

// Budget bounds a poll loop. MaxAttempts <= 0 means no attempt limit.
type Budget struct {
	MaxAttempts int
	// MaxTransportFailures is how many consecutive failed polls are tolerated.
	MaxTransportFailures int
}

// State is what a poller knows about a job after some number of polls.
type State struct {
	JobID               string           `json:"job_id"`
	Status              models.JobStatus `json:"status"`
	Progress            int              `json:"progress"`
	Attempts            int              `json:"attempts"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Result              json.RawMessage  `json:"result,omitempty"`
	// Err is the engine's message for a failed job.
	Err          string  `json:"error,omitempty"`
	TransportErr string  `json:"transport_error,omitempty"`
	Outcome      Outcome `json:"outcome,omitempty"`
}

func (s State) Done() bool { return s.Outcome != Pending }

// Error returns the taxonomy error for a finished unsuccessful state.
func (s State) Error() error {
	switch s.Outcome {
	case Failed:
		return &EngineError{Message: s.Err}
	case TimedOut:
		return &TimeoutError{JobID: s.JobID, Attempts: s.Attempts}
	case Unreached:
		return &TransportError{Err: errString(s.TransportErr)}
	}
	return nil
}

// Step applies one poll response. Progress never decreases, the phase never
// moves backwards and a finished state absorbs every further response.
func Step(s State, r engine.PollResponse, b Budget) State {
	if s.Done() {
		return s
	}
	s.Attempts++
	if !r.Status.Valid() {
		return s.failure("unknown status "+string(r.Status), b)
	}
	s.ConsecutiveFailures = 0
	s.TransportErr = ""

	if r.Status.Phase() >= s.Status.Phase() {
		s.Status = r.Status
	}
	s.Progress = max(s.Progress, min(max(r.Progress, 0), 100))

	switch s.Status {
	case models.JobComplete:
		s.Progress = 100
		s.Result = r.Result
		s.Outcome = Completed
		return s
	case models.JobFailed:
		s.Err = r.Error
		if s.Err == "" {
			s.Err = "analysis failed"
		}
		s.Outcome = Failed
		return s
	}
	return s.checkBudget(b)
}

// StepFailure records one poll that did not get an answer.
func StepFailure(s State, err error, b Budget) State {
	if s.Done() {
		return s
	}
	s.Attempts++
	msg := "poll failed"
	if err != nil {
		msg = err.Error()
	}
	return s.failure(msg, b)
}

func (s State) failure(msg string, b Budget) State {
	s.ConsecutiveFailures++
	s.TransportErr = msg
	if s.ConsecutiveFailures > b.MaxTransportFailures {
		s.Outcome = Unreached
		return s
	}
	return s.checkBudget(b)
}

func (s State) checkBudget(b Budget) State {
	if b.MaxAttempts > 0 && s.Attempts >= b.MaxAttempts {
		s.Outcome = TimedOut
	}
	return s
}

// FromJob seeds a state from a stored job so monotonicity holds across
// requests.
func FromJob(j models.Job) State {
	return State{JobID: j.ID, Status: j.Status, Progress: j.Progress}
}
