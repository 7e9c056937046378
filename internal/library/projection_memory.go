// internal/library/projection_memory.go
package library

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryProjection keeps the read model in process.
type MemoryProjection struct {
	mu    sync.RWMutex
	items map[uuid.UUID]Item
}

func NewMemoryProjection() *MemoryProjection {
	return &MemoryProjection{items: make(map[uuid.UUID]Item)}
}

func (p *MemoryProjection) GetByID(ctx context.Context, id uuid.UUID) (*Item, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	it, ok := p.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	return &it, nil
}

func (p *MemoryProjection) GetAll(ctx context.Context) ([]Item, error) {
	return p.Query(ctx, Filter{})
}

func (p *MemoryProjection) Query(ctx context.Context, f Filter) ([]Item, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Item, 0)
	for _, it := range p.items {
		if f.matches(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (p *MemoryProjection) ExistsForPair(ctx context.Context, userID, gameID uuid.UUID) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pairTaken(userID, gameID), nil
}

func (p *MemoryProjection) pairTaken(userID, gameID uuid.UUID) bool {
	for _, it := range p.items {
		if it.UserID == userID && it.GameID == gameID {
			return true
		}
	}
	return false
}

func (p *MemoryProjection) Add(ctx context.Context, it Item) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[it.ID]; ok || p.pairTaken(it.UserID, it.GameID) {
		return false, nil
	}
	p.items[it.ID] = it
	return true, nil
}

func (p *MemoryProjection) Update(ctx context.Context, it Item) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.items[it.ID]
	if !ok || cur.Version >= it.Version {
		return false, nil
	}
	p.items[it.ID] = it
	return true, nil
}

func (p *MemoryProjection) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.items[id]
	delete(p.items, id)
	return ok, nil
}

func (p *MemoryProjection) DeleteWhere(ctx context.Context, f Filter) (int, error) {
	if f.Empty() {
		return 0, fmt.Errorf("%w: refusing to delete without a filter", ErrValidation)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, it := range p.items {
		if f.matches(it) {
			delete(p.items, id)
			n++
		}
	}
	return n, nil
}
