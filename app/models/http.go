package models

// ErrorResponse is the JSON body of every denied or failed API call.
type ErrorResponse struct {
	Error   string     `json:"error"`
	Reason  ReasonCode `json:"reason,omitempty"`
	Remedy  Remedy     `json:"remedy"`
	Service string     `json:"service,omitempty"`
	Usage   *Usage     `json:"usage,omitempty"`
	// Job is set when the failure concerns a job the caller can still see.
	Job *Job `json:"job,omitempty"`
}
