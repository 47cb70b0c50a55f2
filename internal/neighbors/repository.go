package neighbors

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/mihiarc/socialmapper/internal/model"
)

// Repository persists county adjacency edges and point-geography lookups.
// Implementations: in-memory, SQLite, Postgres.
type Repository interface {
	// CountyNeighbors returns the edges whose source is countyGEOID.
	CountyNeighbors(ctx context.Context, countyGEOID string) ([]model.NeighborRelationship, error)
	// SaveCountyNeighbors stores the edge set computed for one state and
	// marks the state as built. Edges must already be symmetric.
	SaveCountyNeighbors(ctx context.Context, stateFIPS string, rels []model.NeighborRelationship) error
	// HasCountyNeighbors reports whether adjacency for the state was built.
	HasCountyNeighbors(ctx context.Context, stateFIPS string) (bool, error)

	// PointGeography returns the cached geography for a coordinate.
	PointGeography(ctx context.Context, lat, lon float64) (*model.GeocodeResult, bool, error)
	// SavePointGeography caches the geography resolved for a coordinate.
	SavePointGeography(ctx context.Context, lat, lon float64, res *model.GeocodeResult) error

	Close() error
}

// RepositoryConfig selects and configures a backend.
type RepositoryConfig struct {
	Type string // memory | sqlite | postgres
	Path string // sqlite file path
	DSN  string // postgres connection string
}

// NewRepository creates a Repository for the configured backend.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (Repository, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryRepository(), nil
	case "sqlite":
		return NewSQLiteRepository(ctx, cfg.Path)
	case "postgres":
		return NewPostgresRepository(ctx, cfg.DSN)
	default:
		return nil, eris.Errorf("neighbors: unknown repository type %q", cfg.Type)
	}
}

// pointKey quantizes a coordinate for cache identity. Six decimal places is
// about 11cm, well below geocoder resolution.
func pointKey(lat, lon float64) string {
	return fmt.Sprintf("%.6f,%.6f", lat, lon)
}

// MemoryRepository is the default in-process backend.
type MemoryRepository struct {
	mu          sync.RWMutex
	edges       map[string][]model.NeighborRelationship
	builtStates map[string]bool
	points      map[string]model.GeocodeResult
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		edges:       make(map[string][]model.NeighborRelationship),
		builtStates: make(map[string]bool),
		points:      make(map[string]model.GeocodeResult),
	}
}

func (m *MemoryRepository) CountyNeighbors(_ context.Context, countyGEOID string) ([]model.NeighborRelationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rels := m.edges[countyGEOID]
	out := make([]model.NeighborRelationship, len(rels))
	copy(out, rels)
	return out, nil
}

func (m *MemoryRepository) SaveCountyNeighbors(_ context.Context, stateFIPS string, rels []model.NeighborRelationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rels {
		m.edges[r.SourceGEOID] = append(m.edges[r.SourceGEOID], r)
	}
	m.builtStates[stateFIPS] = true
	return nil
}

func (m *MemoryRepository) HasCountyNeighbors(_ context.Context, stateFIPS string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.builtStates[stateFIPS], nil
}

func (m *MemoryRepository) PointGeography(_ context.Context, lat, lon float64) (*model.GeocodeResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.points[pointKey(lat, lon)]; ok {
		return &r, true, nil
	}
	return nil, false, nil
}

func (m *MemoryRepository) SavePointGeography(_ context.Context, lat, lon float64, res *model.GeocodeResult) error {
	if res == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[pointKey(lat, lon)] = *res
	return nil
}

func (m *MemoryRepository) Close() error { return nil }
