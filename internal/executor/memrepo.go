// memrepo.go is the repository used when no database is configured: paper
// development keeps the same insert semantics, including the duplicate
// no-op on (opportunity_id, market_id, side), without a Postgres round trip.
package executor

import (
	"context"
	"sort"
	"sync"

	"arbpilot/internal/store"
)

// MemRepo is an in-memory Repository. State does not survive restart.
type MemRepo struct {
	mu   sync.Mutex
	byID map[string]store.TradeRow
	keys map[string]string // opportunity_id|market_id|side → id
}

// NewMemRepo creates an empty in-memory repository.
func NewMemRepo() *MemRepo {
	return &MemRepo{
		byID: make(map[string]store.TradeRow),
		keys: make(map[string]string),
	}
}

// InsertTrade mirrors the Postgres unique-constraint contract: a duplicate
// key returns ("", nil).
func (m *MemRepo) InsertTrade(_ context.Context, row store.TradeRow) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := row.OpportunityID + "|" + row.MarketID + "|" + row.Side
	if _, dup := m.keys[key]; dup {
		return "", nil
	}
	m.keys[key] = row.ID
	m.byID[row.ID] = row
	return row.ID, nil
}

// GetOpenTrades returns approved open rows oldest first, matching the
// Postgres repository's ORDER BY created_at.
func (m *MemRepo) GetOpenTrades(context.Context) ([]store.TradeRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []store.TradeRow
	for _, row := range m.byID {
		if row.Status == store.StatusOpen && row.RiskApproved {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	return rows, nil
}

// Len reports the number of stored rows.
func (m *MemRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
