package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"example/mixreport-api/app/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
)

type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type MessageSender interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// StatusStore holds the rows the engine worker updates as it runs.
type StatusStore interface {
	Create(ctx context.Context, engineJobID string) error
	Get(ctx context.Context, engineJobID string) (PollResponse, error)
}

var ErrUnknownJob = errors.New("engine: unknown job")

// QueueEngine hands work to an engine worker through S3 and SQS and reads
// progress from the engine_jobs table.
type QueueEngine struct {
	bucket   string
	queueURL string
	objects  ObjectPutter
	queue    MessageSender
	status   StatusStore
}

func NewQueueEngine(bucket, queueURL string, objects ObjectPutter, queue MessageSender, status StatusStore) *QueueEngine {
	return &QueueEngine{bucket: bucket, queueURL: queueURL, objects: objects, queue: queue, status: status}
}

// NewQueueEngineFromEnv loads the default AWS credential chain.
func NewQueueEngineFromEnv(ctx context.Context, bucket, queueURL string, db *sql.DB) (*QueueEngine, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewQueueEngine(bucket, queueURL, s3.NewFromConfig(awsCfg), sqs.NewFromConfig(awsCfg), NewPostgresStatus(db)), nil
}

func (q *QueueEngine) Submit(ctx context.Context, u Upload, opts Options) (string, error) {
	id := uuid.NewString()
	key := path.Join("uploads", id, path.Base(u.Name))

	if _, err := q.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(q.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(u.Body),
		ContentType:   aws.String(u.ContentType),
		ContentLength: aws.Int64(u.Size()),
	}); err != nil {
		return "", fmt.Errorf("%w: upload: %v", ErrTransport, err)
	}

	if err := q.status.Create(ctx, id); err != nil {
		return "", fmt.Errorf("%w: status row: %v", ErrTransport, err)
	}

	body, err := json.Marshal(models.JobMessage{
		EngineJobID: id,
		Bucket:      q.bucket,
		ObjectKey:   key,
		FileName:    u.Name,
		ContentType: u.ContentType,
		Options:     opts,
	})
	if err != nil {
		return "", err
	}
	if _, err := q.queue.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		return "", fmt.Errorf("%w: enqueue: %v", ErrTransport, err)
	}
	return id, nil
}

func (q *QueueEngine) Poll(ctx context.Context, engineJobID string) (PollResponse, error) {
	r, err := q.status.Get(ctx, engineJobID)
	if err != nil {
		return PollResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return r, nil
}

type PostgresStatus struct {
	db *sql.DB
}

func NewPostgresStatus(db *sql.DB) *PostgresStatus { return &PostgresStatus{db: db} }

func (p *PostgresStatus) Create(ctx context.Context, engineJobID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO engine_jobs (id, status, progress)
		VALUES ($1, $2, 0);
	`, engineJobID, models.JobQueued)
	return err
}

func (p *PostgresStatus) Get(ctx context.Context, engineJobID string) (PollResponse, error) {
	var (
		r      PollResponse
		status string
		result []byte
		msg    sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT status, progress, result, error
		FROM engine_jobs
		WHERE id = $1;
	`, engineJobID).Scan(&status, &r.Progress, &result, &msg)
	if errors.Is(err, sql.ErrNoRows) {
		return PollResponse{}, ErrUnknownJob
	}
	if err != nil {
		return PollResponse{}, err
	}
	r.Status = models.JobStatus(status)
	r.Result = result
	r.Error = msg.String
	return r, nil
}

// MemoryStatus stands in for engine_jobs when there is no database.
type MemoryStatus struct {
	mu   sync.Mutex
	rows map[string]PollResponse
}

func NewMemoryStatus() *MemoryStatus {
	return &MemoryStatus{rows: map[string]PollResponse{}}
}

func (m *MemoryStatus) Create(_ context.Context, engineJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[engineJobID] = PollResponse{Status: models.JobQueued}
	return nil
}

func (m *MemoryStatus) Get(_ context.Context, engineJobID string) (PollResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[engineJobID]
	if !ok {
		return PollResponse{}, ErrUnknownJob
	}
	return r, nil
}

// Set plays the engine worker's part.
func (m *MemoryStatus) Set(engineJobID string, r PollResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[engineJobID] = r
}
