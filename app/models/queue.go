package models

// JobMessage is what the queue engine puts on SQS for the analysis worker.
type JobMessage struct {
	EngineJobID string            `json:"engine_job_id"`
	Bucket      string            `json:"bucket"`
	ObjectKey   string            `json:"object_key"`
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	Options     map[string]string `json:"options,omitempty"`
}
