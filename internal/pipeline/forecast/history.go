package forecast

import (
	"sync"

	"github.com/google/uuid"

	"pipeline_forecast_backend/internal/pipeline/domain"
)

// HistoryKey identifies one supersession chain.
type HistoryKey struct {
	TerritoryID uuid.UUID
	Period      domain.Period
	Type        Type
}

// KeyOf returns the chain a record belongs to.
func KeyOf(rec Record) HistoryKey {
	return HistoryKey{TerritoryID: rec.TerritoryID, Period: rec.Period, Type: rec.Type}
}

// History keeps the most recent records per key for audit. Superseded records
// are retained here only; nothing reads them for computation.
type History struct {
	mu     sync.RWMutex
	depth  int
	chains map[HistoryKey][]Record
}

// NewHistory keeps up to depth records per key. depth < 1 keeps one.
func NewHistory(depth int) *History {
	if depth < 1 {
		depth = 1
	}
	return &History{depth: depth, chains: make(map[HistoryKey][]Record)}
}

// Supersede appends rec to its chain, linking it to the current record. It
// returns the stored record and any records pushed out of the bounded chain.
func (h *History) Supersede(rec Record) (Record, []Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := KeyOf(rec)
	chain := h.chains[key]
	if n := len(chain); n > 0 {
		prev := chain[n-1].ID
		rec.Supersedes = &prev
	}
	chain = append(chain, rec)

	var evicted []Record
	if over := len(chain) - h.depth; over > 0 {
		evicted = append(evicted, chain[:over]...)
		chain = append([]Record(nil), chain[over:]...)
	}
	h.chains[key] = chain
	return rec, evicted
}

// Latest returns the current record of key.
func (h *History) Latest(key HistoryKey) (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	chain := h.chains[key]
	if len(chain) == 0 {
		return Record{}, false
	}
	return chain[len(chain)-1], true
}

// List returns the retained records of key, newest first.
func (h *History) List(key HistoryKey) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	chain := h.chains[key]
	out := make([]Record, len(chain))
	for i, rec := range chain {
		out[len(chain)-1-i] = rec
	}
	return out
}
