package jobs

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"example/mixreport-api/app/models"
)

// ErrConflict means the job changed since it was read.
var ErrConflict = errors.New("job changed concurrently")

type Repository interface {
	Create(ctx context.Context, j models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	// Update writes j if the stored UpdatedAt still equals j.UpdatedAt and
	// returns the stored copy.
	Update(ctx context.Context, j models.Job) (models.Job, error)
	// MarkFinalized claims the right to finalize; only one caller gets true.
	MarkFinalized(ctx context.Context, id string) (bool, error)
	ClearFinalized(ctx context.Context, id string) error
	// Revoke hides a job's result for good.
	Revoke(ctx context.Context, id string) error
}

type MemoryRepository struct {
	mu   sync.Mutex
	jobs map[string]models.Job
	now  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: map[string]models.Job{}, now: time.Now}
}

func (m *MemoryRepository) Create(_ context.Context, j models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return errors.New("job already exists")
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return j, nil
}

func (m *MemoryRepository) Update(_ context.Context, j models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	if !cur.UpdatedAt.Equal(j.UpdatedAt) {
		return cur, ErrConflict
	}
	j.Progress = max(j.Progress, cur.Progress)
	j.Finalized = cur.Finalized
	j.Revoked = cur.Revoked
	if j.Revoked {
		j.Result = nil
	}
	j.UpdatedAt = m.now()
	if !j.UpdatedAt.After(cur.UpdatedAt) {
		j.UpdatedAt = cur.UpdatedAt.Add(time.Microsecond)
	}
	m.jobs[j.ID] = j
	return j, nil
}

func (m *MemoryRepository) MarkFinalized(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Finalized {
		return false, nil
	}
	j.Finalized = true
	m.jobs[id] = j
	return true, nil
}

func (m *MemoryRepository) ClearFinalized(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Finalized = false
	m.jobs[id] = j
	return nil
}

func (m *MemoryRepository) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Revoked = true
	j.Result = nil
	m.jobs[id] = j
	return nil
}

// PostgresRepository keeps jobs in the jobs table.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Create(ctx context.Context, j models.Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, engine_job_id, owner_id, fingerprint, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`, j.ID, j.EngineJobID, j.OwnerID, j.Fingerprint, j.Status, j.Progress, j.CreatedAt, j.UpdatedAt)
	return err
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (models.Job, error) {
	var (
		j      models.Job
		status string
		result []byte
		msg    sql.NullString
		reason sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, engine_job_id, owner_id, fingerprint, status, progress, result, error, reason,
		       revoked, finalized, created_at, updated_at
		FROM jobs
		WHERE id = $1;
	`, id).Scan(&j.ID, &j.EngineJobID, &j.OwnerID, &j.Fingerprint, &status, &j.Progress, &result, &msg, &reason,
		&j.Revoked, &j.Finalized, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, err
	}
	j.Status = models.JobStatus(status)
	j.Result = result
	j.Error = msg.String
	j.Reason = models.ReasonCode(reason.String)
	return j, nil
}

func (p *PostgresRepository) Update(ctx context.Context, j models.Job) (models.Job, error) {
	var result any
	if len(j.Result) > 0 {
		result = string(j.Result)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2,
		    progress = GREATEST(progress, $3),
		    result = CASE WHEN revoked THEN NULL ELSE $4::jsonb END,
		    error = NULLIF($5, ''),
		    reason = NULLIF($6, ''),
		    updated_at = GREATEST(now(), updated_at + interval '1 microsecond')
		WHERE id = $1 AND updated_at = $7;
	`, j.ID, j.Status, j.Progress, result, j.Error, string(j.Reason), j.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Job{}, err
	}
	cur, err := p.Get(ctx, j.ID)
	if err != nil {
		return models.Job{}, err
	}
	if n == 0 {
		return cur, ErrConflict
	}
	return cur, nil
}

func (p *PostgresRepository) MarkFinalized(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET finalized = true
		WHERE id = $1 AND NOT finalized;
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresRepository) ClearFinalized(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE jobs SET finalized = false WHERE id = $1;`, id)
	return err
}

func (p *PostgresRepository) Revoke(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET revoked = true, result = NULL, updated_at = now()
		WHERE id = $1;
	`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return err
}
