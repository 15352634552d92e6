package storetest

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// MemUnitStore is an in-memory store.GenerationUnitStore. ClaimNext
// picks by (priority desc, creation order) like the PostgreSQL store.
type MemUnitStore struct {
	mu    sync.Mutex
	units map[uuid.UUID]*domain.GenerationUnit
	order []uuid.UUID
}

// NewMemUnitStore creates an empty MemUnitStore.
func NewMemUnitStore() *MemUnitStore {
	return &MemUnitStore{units: make(map[uuid.UUID]*domain.GenerationUnit)}
}

func (s *MemUnitStore) CreateBatch(_ context.Context, units []*domain.GenerationUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, unit := range units {
		if err := unit.Validate(); err != nil {
			return err
		}
	}
	for _, unit := range units {
		s.units[unit.ID] = cloneUnit(unit)
		s.order = append(s.order, unit.ID)
	}
	return nil
}

func (s *MemUnitStore) GetByID(_ context.Context, id uuid.UUID) (*domain.GenerationUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[id]
	if !ok {
		return nil, store.ErrUnitNotFound
	}
	return cloneUnit(unit), nil
}

func (s *MemUnitStore) ClaimNext(_ context.Context) (*domain.GenerationUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.GenerationUnit
	for _, id := range s.order {
		unit := s.units[id]
		if unit.Status != domain.UnitQueued {
			continue
		}
		if best == nil || unit.Priority > best.Priority {
			best = unit
		}
	}
	if best == nil {
		return nil, store.ErrClaimLost
	}
	best.Status = domain.UnitGenerating
	best.UpdatedAt = time.Now().UTC()
	return cloneUnit(best), nil
}

func (s *MemUnitStore) SetProgress(_ context.Context, id uuid.UUID, progress float64) error {
	return s.mutate(id, func(unit *domain.GenerationUnit) error {
		unit.Progress = progress
		return nil
	})
}

func (s *MemUnitStore) Complete(_ context.Context, id uuid.UUID, resultRef string) error {
	return s.mutate(id, func(unit *domain.GenerationUnit) error {
		if unit.Status != domain.UnitGenerating {
			return store.ErrUpdateFailed
		}
		unit.Status = domain.UnitComplete
		unit.Progress = 1.0
		unit.ResultRef = &resultRef
		return nil
	})
}

func (s *MemUnitStore) Fail(_ context.Context, id uuid.UUID, errMsg string) error {
	return s.mutate(id, func(unit *domain.GenerationUnit) error {
		if unit.Status != domain.UnitGenerating {
			return store.ErrUpdateFailed
		}
		unit.Status = domain.UnitFailed
		unit.ErrorMessage = errMsg
		return nil
	})
}

func (s *MemUnitStore) Cancel(_ context.Context, id uuid.UUID) error {
	return s.mutate(id, func(unit *domain.GenerationUnit) error {
		if unit.Status != domain.UnitQueued {
			return domain.ErrUnitNotQueued
		}
		unit.Status = domain.UnitFailed
		unit.ErrorMessage = "canceled"
		return nil
	})
}

func (s *MemUnitStore) Stats(_ context.Context) (domain.UnitStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.UnitStats
	for _, unit := range s.units {
		countUnit(&stats, unit.Status)
	}
	return stats, nil
}

func (s *MemUnitStore) BatchStats(_ context.Context, batchID uuid.UUID) (domain.UnitStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.UnitStats
	for _, unit := range s.units {
		if unit.BatchID == batchID {
			countUnit(&stats, unit.Status)
		}
	}
	return stats, nil
}

func (s *MemUnitStore) ListByTask(_ context.Context, taskID uuid.UUID) ([]*domain.GenerationUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var units []*domain.GenerationUnit
	for _, unit := range s.units {
		if unit.TaskID == taskID {
			units = append(units, cloneUnit(unit))
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].CreatedAt.Before(units[j].CreatedAt) })
	return units, nil
}

func (s *MemUnitStore) WithTx(*sql.Tx) store.GenerationUnitStore { return s }

func (s *MemUnitStore) mutate(id uuid.UUID, apply func(*domain.GenerationUnit) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[id]
	if !ok {
		return store.ErrUnitNotFound
	}
	if err := apply(unit); err != nil {
		return err
	}
	unit.UpdatedAt = time.Now().UTC()
	return nil
}

func countUnit(stats *domain.UnitStats, status domain.UnitStatus) {
	switch status {
	case domain.UnitQueued:
		stats.Queued++
	case domain.UnitGenerating:
		stats.Generating++
	case domain.UnitComplete:
		stats.Complete++
	case domain.UnitFailed:
		stats.Failed++
	}
}

func cloneUnit(unit *domain.GenerationUnit) *domain.GenerationUnit {
	c := *unit
	return &c
}
