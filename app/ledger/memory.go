package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"example/mixreport-api/app/models"
)

// Memory is a Store for local runs without Postgres. A single mutex plays the
// role of the row lock.
type Memory struct {
	mu        sync.Mutex
	entries   map[string]Entry
	accounts  map[string]models.Account
	customers map[string]string
	records   map[string]models.AnalysisRecord
	events    map[string]struct{}
	charged   map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		entries:   map[string]Entry{},
		accounts:  map[string]models.Account{},
		customers: map[string]string{},
		records:   map[string]models.AnalysisRecord{},
		events:    map[string]struct{}{},
		charged:   map[string]struct{}{},
	}
}

// Put seeds an entry.
func (m *Memory) Put(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ActorID] = e
}

// PutAccount seeds an account row.
func (m *Memory) PutAccount(a models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
	if a.StripeCustomerID != "" {
		m.customers[a.StripeCustomerID] = a.ID
	}
}

func (m *Memory) snapshot(actor models.Actor) Snapshot {
	id := actor.ID()
	e, ok := m.entries[id]
	if !ok {
		e = Entry{ActorID: id}
	}
	s := Snapshot{Entry: e}
	if !actor.IsAnonymous() {
		a, ok := m.accounts[actor.AccountID]
		if !ok {
			a = defaultAccount(actor.AccountID)
		}
		s.Account = &a
	}
	return s
}

func (m *Memory) Load(_ context.Context, actor models.Actor) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(actor), nil
}

func (m *Memory) Commit(_ context.Context, req CommitRequest) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.snapshot(req.Actor)
	charge := req.Actor.ID() + "|" + req.JobID
	if req.JobID != "" {
		if _, dup := m.charged[charge]; dup {
			return s.Entry, ErrDuplicateRecord
		}
	}
	next, err := Consume(s, req.Policies, req.Now)
	if err != nil {
		return s.Entry, err
	}
	if req.Record != nil {
		if _, dup := m.records[req.Record.JobID]; dup {
			return s.Entry, ErrDuplicateRecord
		}
		m.records[req.Record.JobID] = *req.Record
	}
	if req.JobID != "" {
		m.charged[charge] = struct{}{}
	}
	m.entries[next.ActorID] = next
	return next, nil
}

func (m *Memory) claimEvent(id string) bool {
	if id == "" {
		return true
	}
	if _, seen := m.events[id]; seen {
		return false
	}
	m.events[id] = struct{}{}
	return true
}

func (m *Memory) GrantAddon(_ context.Context, accountID string, units int, eventID string) error {
	if units <= 0 {
		return errors.New("ledger: add-on units must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.claimEvent(eventID) {
		return ErrDuplicateEvent
	}
	id := accountActorID(accountID)
	e, ok := m.entries[id]
	if !ok {
		e = Entry{ActorID: id}
	}
	e.AddonRemaining += units
	m.entries[id] = e
	return nil
}

func (m *Memory) ApplySubscription(_ context.Context, u SubscriptionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.claimEvent(u.EventID) {
		return ErrDuplicateEvent
	}
	a, ok := m.accounts[u.AccountID]
	if !ok {
		a = defaultAccount(u.AccountID)
	}
	activated := applySubscription(&a, u)
	m.accounts[a.ID] = a

	if activated {
		start := u.PeriodStart
		if start.IsZero() {
			start = time.Now()
		}
		id := accountActorID(u.AccountID)
		e := m.entries[id]
		e.ActorID = id
		if e.CycleStartedAt.IsZero() || e.CycleStartedAt.Before(start) {
			e.CycleStartedAt = start
			e.CycleUsed = 0
		}
		m.entries[id] = e
	}
	return nil
}

func (m *Memory) EnsureAccount(_ context.Context, p AccountProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[p.ID]; !ok {
		m.accounts[p.ID] = defaultAccount(p.ID)
	}
	return nil
}

func (m *Memory) AccountByCustomer(_ context.Context, customerID string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.customers[customerID]
	if !ok {
		return models.Account{}, ErrAccountNotFound
	}
	return m.accounts[id], nil
}

func (m *Memory) SetCustomer(_ context.Context, accountID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		a = defaultAccount(accountID)
	}
	a.StripeCustomerID = customerID
	m.accounts[accountID] = a
	m.customers[customerID] = accountID
	return nil
}

func (m *Memory) Records(_ context.Context, accountID string) ([]models.AnalysisRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AnalysisRecord
	for _, r := range m.records {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
