package neighbors

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/mihiarc/socialmapper/internal/model"
)

// Pool is the subset of pgxpool.Pool the repository uses; pgxmock satisfies
// it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresRepository implements Repository using pgxpool, for shared
// multi-process deployments.
type PostgresRepository struct {
	pool Pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS county_neighbors (
	source_geoid       TEXT NOT NULL,
	neighbor_geoid     TEXT NOT NULL,
	kind               TEXT NOT NULL,
	shared_boundary_km DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (source_geoid, neighbor_geoid)
);

CREATE TABLE IF NOT EXISTS built_states (
	state_fips TEXT PRIMARY KEY,
	built_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS point_geographies (
	point_key  TEXT PRIMARY KEY,
	geography  JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_county_neighbors_source ON county_neighbors(source_geoid);
`

// NewPostgresRepository connects a pool and runs migrations.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "neighbors: postgres parse config")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "neighbors: postgres connect")
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// NewPostgresRepositoryWithPool wraps an existing pool; used by tests.
func NewPostgresRepositoryWithPool(pool Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (p *PostgresRepository) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "neighbors: postgres migrate")
}

func (p *PostgresRepository) CountyNeighbors(ctx context.Context, countyGEOID string) ([]model.NeighborRelationship, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT source_geoid, neighbor_geoid, kind, shared_boundary_km
		 FROM county_neighbors WHERE source_geoid = $1`,
		countyGEOID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "neighbors: postgres query %s", countyGEOID)
	}
	defer rows.Close()

	var rels []model.NeighborRelationship
	for rows.Next() {
		var r model.NeighborRelationship
		if err := rows.Scan(&r.SourceGEOID, &r.NeighborGEOID, &r.Kind, &r.SharedBoundaryLength); err != nil {
			return nil, eris.Wrap(err, "neighbors: postgres scan")
		}
		rels = append(rels, r)
	}
	return rels, eris.Wrap(rows.Err(), "neighbors: postgres iterate")
}

func (p *PostgresRepository) SaveCountyNeighbors(ctx context.Context, stateFIPS string, rels []model.NeighborRelationship) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "neighbors: postgres begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range rels {
		if _, err := tx.Exec(ctx,
			`INSERT INTO county_neighbors (source_geoid, neighbor_geoid, kind, shared_boundary_km)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (source_geoid, neighbor_geoid) DO UPDATE
			 SET kind = EXCLUDED.kind, shared_boundary_km = EXCLUDED.shared_boundary_km`,
			r.SourceGEOID, r.NeighborGEOID, r.Kind, r.SharedBoundaryLength,
		); err != nil {
			return eris.Wrap(err, "neighbors: postgres insert edge")
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO built_states (state_fips) VALUES ($1) ON CONFLICT DO NOTHING`,
		stateFIPS,
	); err != nil {
		return eris.Wrap(err, "neighbors: postgres mark built")
	}

	return eris.Wrap(tx.Commit(ctx), "neighbors: postgres commit")
}

func (p *PostgresRepository) HasCountyNeighbors(ctx context.Context, stateFIPS string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx,
		`SELECT 1 FROM built_states WHERE state_fips = $1`, stateFIPS,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "neighbors: postgres built check")
	}
	return true, nil
}

func (p *PostgresRepository) PointGeography(ctx context.Context, lat, lon float64) (*model.GeocodeResult, bool, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT geography FROM point_geographies WHERE point_key = $1`, pointKey(lat, lon),
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "neighbors: postgres point lookup")
	}

	var res model.GeocodeResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, false, eris.Wrap(err, "neighbors: postgres unmarshal point")
	}
	return &res, true, nil
}

func (p *PostgresRepository) SavePointGeography(ctx context.Context, lat, lon float64, res *model.GeocodeResult) error {
	if res == nil {
		return nil
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "neighbors: postgres marshal point")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO point_geographies (point_key, geography) VALUES ($1, $2)
		 ON CONFLICT (point_key) DO UPDATE SET geography = EXCLUDED.geography`,
		pointKey(lat, lon), payload,
	)
	return eris.Wrap(err, "neighbors: postgres save point")
}

func (p *PostgresRepository) Close() error {
	p.pool.Close()
	return nil
}
