// Package pipelinetest provides in-memory collaborators for pipeline tests.
package pipelinetest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/internal/events"
	"pipeline_forecast_backend/internal/pipeline/domain"
	"pipeline_forecast_backend/internal/pipeline/forecast"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/platform/apperr"
)

// Store is an in-memory opportunity store with quotas. Err, when set, is
// returned from every read.
type Store struct {
	mu     sync.Mutex
	opps   map[uuid.UUID]domain.Opportunity
	quotas map[string]decimal.Decimal
	lists  atomic.Int64

	Err error
}

func NewStore(opps ...domain.Opportunity) *Store {
	s := &Store{opps: make(map[uuid.UUID]domain.Opportunity), quotas: make(map[string]decimal.Decimal)}
	for _, o := range opps {
		s.opps[o.ID] = o
	}
	return s
}

// Put stores opp unconditionally.
func (s *Store) Put(opp domain.Opportunity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps[opp.ID] = opp
}

// SetErr changes the error returned from reads.
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// SetQuota configures the territory quota for a period.
func (s *Store) SetQuota(territoryID uuid.UUID, period domain.Period, amount decimal.Decimal) {
	s.setQuota(ports.QuotaTerritory, territoryID, period, amount)
}

// SetOwnerQuota configures the owner quota for a period.
func (s *Store) SetOwnerQuota(ownerID uuid.UUID, period domain.Period, amount decimal.Decimal) {
	s.setQuota(ports.QuotaOwner, ownerID, period, amount)
}

func (s *Store) setQuota(scope ports.QuotaScope, id uuid.UUID, period domain.Period, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[quotaKey(scope, id, period)] = amount
}

func quotaKey(scope ports.QuotaScope, id uuid.UUID, period domain.Period) string {
	return string(scope) + "|" + id.String() + "|" + string(period)
}

// Lists returns how many times List was called.
func (s *Store) Lists() int64 { return s.lists.Load() }

func (s *Store) List(_ context.Context, f ports.Filter) ([]domain.Opportunity, error) {
	s.lists.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]domain.Opportunity, 0, len(s.opps))
	for _, o := range s.opps {
		if f.OwnerID != nil && o.OwnerID != *f.OwnerID {
			continue
		}
		if f.TerritoryID != nil && o.TerritoryID != *f.TerritoryID {
			continue
		}
		if f.Period != nil && o.Period != *f.Period {
			continue
		}
		if f.OpenOnly && !o.IsOpen() {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (domain.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.Opportunity{}, s.Err
	}
	o, ok := s.opps[id]
	if !ok {
		return domain.Opportunity{}, apperr.NotFound("opportunity not found")
	}
	return o, nil
}

func (s *Store) Create(_ context.Context, opp domain.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.opps[opp.ID]; ok {
		return apperr.Conflict("opportunity already exists")
	}
	s.opps[opp.ID] = opp
	return nil
}

func (s *Store) SaveTransition(_ context.Context, next domain.Opportunity, expected domain.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.opps[next.ID]
	if !ok {
		return apperr.NotFound("opportunity not found")
	}
	if cur.Stage != expected {
		return apperr.Conflict("opportunity stage changed concurrently").WithCode(domain.CodeInvalidTransition)
	}
	s.opps[next.ID] = next
	return nil
}

func (s *Store) Quota(_ context.Context, scope ports.QuotaScope, id uuid.UUID, period domain.Period) (decimal.Decimal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[quotaKey(scope, id, period)]
	return q, ok, nil
}

// Dispatcher records dispatched events.
type Dispatcher struct {
	mu     sync.Mutex
	Events []events.StageChanged
	Err    error
}

func (d *Dispatcher) DispatchStageChanged(_ context.Context, evt events.StageChanged) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.Events = append(d.Events, evt)
	return nil
}

// Dispatched returns a copy of the recorded events.
func (d *Dispatcher) Dispatched() []events.StageChanged {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]events.StageChanged(nil), d.Events...)
}

// Archiver records archived forecast records.
type Archiver struct {
	mu      sync.Mutex
	Records []forecast.Record
}

func (a *Archiver) Archive(_ context.Context, records []forecast.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Records = append(a.Records, records...)
	return nil
}

// Archived returns how many records were archived.
func (a *Archiver) Archived() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Records)
}
