// Package engine is the boundary with the external analysis engine. The
// engine owns processing; this side only submits work and reads status.
package engine

import (
	"context"
	"encoding/json"
	"errors"

	"example/mixreport-api/app/models"
)

var (
	// ErrTransport is one failed exchange with the engine. Callers retry.
	ErrTransport = errors.New("engine: transport failure")
	// ErrRejected means the engine refused the submission outright.
	ErrRejected = errors.New("engine: submission rejected")
)

// Upload is one audio file as received from the client.
type Upload struct {
	Name        string
	ContentType string
	Body        []byte
}

func (u Upload) Size() int64 { return int64(len(u.Body)) }

// Options are passed through to the engine untouched.
type Options map[string]string

// PollResponse is the engine's view of a job. Status may be a value this
// service does not know; callers check Status.Valid().
type PollResponse struct {
	Status   models.JobStatus `json:"status"`
	Progress int              `json:"progress"`
	Result   json.RawMessage  `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type Engine interface {
	Submit(ctx context.Context, u Upload, opts Options) (string, error)
	Poll(ctx context.Context, engineJobID string) (PollResponse, error)
}
