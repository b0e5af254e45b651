package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"example/mixreport-api/app/models"

	"github.com/lib/pq"
)

// Postgres is the authoritative Store. Every mutation locks the ledger row and
// then writes it back with a compare-and-swap on the counters it read.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *Postgres) Load(ctx context.Context, actor models.Actor) (Snapshot, error) {
	s, err := loadSnapshot(ctx, p.db, actor, false)
	if err != nil {
		return Snapshot{}, unavailable(err)
	}
	return s, nil
}

func loadSnapshot(ctx context.Context, q queryer, actor models.Actor, forUpdate bool) (Snapshot, error) {
	query := `
		SELECT lifetime_used, cycle_used, cycle_started_at, addon_remaining
		FROM rate_ledger
		WHERE actor_id = $1`
	if forUpdate {
		query += `
		FOR UPDATE`
	}

	e := Entry{ActorID: actor.ID()}
	var started sql.NullTime
	err := q.QueryRowContext(ctx, query, e.ActorID).
		Scan(&e.LifetimeUsed, &e.CycleUsed, &started, &e.AddonRemaining)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, err
	}
	if started.Valid {
		e.CycleStartedAt = started.Time
	}

	s := Snapshot{Entry: e}
	if actor.IsAnonymous() {
		return s, nil
	}
	a, err := getAccount(ctx, q, actor.AccountID)
	if errors.Is(err, ErrAccountNotFound) {
		a, err = defaultAccount(actor.AccountID), nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	s.Account = &a
	return s, nil
}

func getAccount(ctx context.Context, q queryer, accountID string) (models.Account, error) {
	var (
		plan, status string
		cycleCap     sql.NullInt64
		customer     sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT plan, subscription_status, cycle_cap, stripe_customer_id
		FROM accounts
		WHERE account_id = $1;
	`, accountID).Scan(&plan, &status, &cycleCap, &customer)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, err
	}
	return scanAccount(accountID, plan, status, cycleCap, customer)
}

func scanAccount(id, plan, status string, cycleCap sql.NullInt64, customer sql.NullString) (models.Account, error) {
	p, err := models.ParsePlan(plan)
	if err != nil {
		return models.Account{}, err
	}
	a := models.Account{
		ID:               id,
		Plan:             p,
		Status:           models.SubscriptionStatus(status),
		StripeCustomerID: customer.String,
	}
	if cycleCap.Valid {
		c := int(cycleCap.Int64)
		a.CycleCapOverride = &c
	}
	return a, nil
}

func ensureLedgerRow(ctx context.Context, tx *sql.Tx, actorID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rate_ledger (actor_id)
		VALUES ($1)
		ON CONFLICT (actor_id) DO NOTHING;
	`, actorID)
	return err
}

func ensureAccountRow(ctx context.Context, tx *sql.Tx, accountID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (account_id, plan, subscription_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO NOTHING;
	`, accountID, models.PlanFree, models.SubscriptionNone)
	return err
}

func (p *Postgres) Commit(ctx context.Context, req CommitRequest) (Entry, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return Entry{}, unavailable(err)
	}
	defer tx.Rollback()

	id := req.Actor.ID()
	if err := ensureLedgerRow(ctx, tx, id); err != nil {
		return Entry{}, unavailable(err)
	}
	if !req.Actor.IsAnonymous() {
		if err := ensureAccountRow(ctx, tx, req.Actor.AccountID); err != nil {
			return Entry{}, unavailable(err)
		}
	}

	if req.JobID != "" {
		first, err := claimCharge(ctx, tx, req.JobID, id)
		if err != nil {
			return Entry{}, unavailable(err)
		}
		if !first {
			return Entry{ActorID: id}, ErrDuplicateRecord
		}
	}

	s, err := loadSnapshot(ctx, tx, req.Actor, true)
	if err != nil {
		return Entry{}, unavailable(err)
	}
	next, err := Consume(s, req.Policies, req.Now)
	if err != nil {
		return s.Entry, err
	}

	prev := s.Entry
	res, err := tx.ExecContext(ctx, `
		UPDATE rate_ledger
		SET lifetime_used = $2,
		    cycle_used = $3,
		    cycle_started_at = $4,
		    addon_remaining = $5,
		    updated_at = now()
		WHERE actor_id = $1
		  AND lifetime_used = $6
		  AND cycle_used = $7
		  AND addon_remaining = $8
		  AND cycle_started_at IS NOT DISTINCT FROM $9;
	`, id,
		next.LifetimeUsed, next.CycleUsed, nullTime(next.CycleStartedAt), next.AddonRemaining,
		prev.LifetimeUsed, prev.CycleUsed, prev.AddonRemaining, nullTime(prev.CycleStartedAt),
	)
	if err != nil {
		return Entry{}, unavailable(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Entry{}, unavailable(err)
	} else if n != 1 {
		return prev, ErrLimitReached
	}

	if r := req.Record; r != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO analyses (id, account_id, job_id, result, created_at)
			VALUES ($1, $2, $3, $4, $5);
		`, r.ID, r.AccountID, r.JobID, string(r.Result), r.CreatedAt)
		if isUniqueViolation(err) {
			return prev, ErrDuplicateRecord
		}
		if err != nil {
			return Entry{}, unavailable(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, unavailable(err)
	}
	return next, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// claimCharge reports false when jobID was already charged to actorID. The
// row is rolled back with tx when the commit is denied.
func claimCharge(ctx context.Context, tx *sql.Tx, jobID, actorID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO job_charges (job_id, actor_id)
		VALUES ($1, $2)
		ON CONFLICT (job_id, actor_id) DO NOTHING;
	`, jobID, actorID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// claimEvent records a payment event id inside tx and reports false when the
// event was already processed.
func claimEvent(ctx context.Context, tx *sql.Tx, eventID, kind string) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO payment_events (event_id, kind)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING;
	`, eventID, kind)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *Postgres) GrantAddon(ctx context.Context, accountID string, units int, eventID string) error {
	if units <= 0 {
		return errors.New("ledger: add-on units must be positive")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	fresh, err := claimEvent(ctx, tx, eventID, "addon")
	if err != nil {
		return unavailable(err)
	}
	if !fresh {
		return ErrDuplicateEvent
	}
	id := accountActorID(accountID)
	if err := ensureLedgerRow(ctx, tx, id); err != nil {
		return unavailable(err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE rate_ledger
		SET addon_remaining = addon_remaining + $2, updated_at = now()
		WHERE actor_id = $1;
	`, id, units); err != nil {
		return unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (p *Postgres) ApplySubscription(ctx context.Context, u SubscriptionUpdate) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	fresh, err := claimEvent(ctx, tx, u.EventID, "subscription")
	if err != nil {
		return unavailable(err)
	}
	if !fresh {
		return ErrDuplicateEvent
	}
	if err := ensureAccountRow(ctx, tx, u.AccountID); err != nil {
		return unavailable(err)
	}

	var (
		plan, status string
		cycleCap     sql.NullInt64
		customer     sql.NullString
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT plan, subscription_status, cycle_cap, stripe_customer_id
		FROM accounts
		WHERE account_id = $1
		FOR UPDATE;
	`, u.AccountID).Scan(&plan, &status, &cycleCap, &customer); err != nil {
		return unavailable(err)
	}
	a, err := scanAccount(u.AccountID, plan, status, cycleCap, customer)
	if err != nil {
		return err
	}
	activated := applySubscription(&a, u)

	var capArg sql.NullInt64
	if a.CycleCapOverride != nil {
		capArg = sql.NullInt64{Int64: int64(*a.CycleCapOverride), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET plan = $2, subscription_status = $3, cycle_cap = $4
		WHERE account_id = $1;
	`, a.ID, a.Plan, a.Status, capArg); err != nil {
		return unavailable(err)
	}

	if activated {
		start := u.PeriodStart
		if start.IsZero() {
			start = time.Now()
		}
		id := accountActorID(u.AccountID)
		if err := ensureLedgerRow(ctx, tx, id); err != nil {
			return unavailable(err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE rate_ledger
			SET cycle_used = 0, cycle_started_at = $2, updated_at = now()
			WHERE actor_id = $1
			  AND (cycle_started_at IS NULL OR cycle_started_at < $2);
		`, id, start); err != nil {
			return unavailable(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// EnsureAccount creates the account row on first sign-in and refreshes the
// profile on later ones.
func (p *Postgres) EnsureAccount(ctx context.Context, prof AccountProfile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, email, name, last_login, plan, subscription_status)
		VALUES ($1, $2, $3, now(), $4, $5)
		ON CONFLICT (account_id) DO UPDATE
		SET last_login = now(),
		    email = COALESCE(EXCLUDED.email, accounts.email),
		    name = COALESCE(EXCLUDED.name, accounts.name);
	`, prof.ID, nullIfEmpty(prof.Email), nullIfEmpty(prof.Name), models.PlanFree, models.SubscriptionNone)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func (p *Postgres) AccountByCustomer(ctx context.Context, customerID string) (models.Account, error) {
	var (
		id, plan, status string
		cycleCap         sql.NullInt64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT account_id, plan, subscription_status, cycle_cap
		FROM accounts
		WHERE stripe_customer_id = $1;
	`, customerID).Scan(&id, &plan, &status, &cycleCap)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, unavailable(err)
	}
	return scanAccount(id, plan, status, cycleCap, sql.NullString{String: customerID, Valid: true})
}

func (p *Postgres) SetCustomer(ctx context.Context, accountID, customerID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, plan, subscription_status, stripe_customer_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE
		SET stripe_customer_id = EXCLUDED.stripe_customer_id;
	`, accountID, models.PlanFree, models.SubscriptionNone, customerID)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (p *Postgres) Records(ctx context.Context, accountID string) ([]models.AnalysisRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, result, created_at
		FROM analyses
		WHERE account_id = $1
		ORDER BY created_at DESC;
	`, accountID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []models.AnalysisRecord
	for rows.Next() {
		r := models.AnalysisRecord{AccountID: accountID}
		var result []byte
		if err := rows.Scan(&r.ID, &r.JobID, &result, &r.CreatedAt); err != nil {
			return nil, unavailable(err)
		}
		r.Result = result
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}
