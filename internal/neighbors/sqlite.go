package neighbors

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/mihiarc/socialmapper/internal/model"
)

// SQLiteRepository implements Repository using modernc.org/sqlite.
type SQLiteRepository struct {
	db *sql.DB
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS county_neighbors (
	source_geoid          TEXT NOT NULL,
	neighbor_geoid        TEXT NOT NULL,
	kind                  TEXT NOT NULL,
	shared_boundary_km    REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (source_geoid, neighbor_geoid)
);

CREATE TABLE IF NOT EXISTS built_states (
	state_fips TEXT PRIMARY KEY,
	built_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS point_geographies (
	point_key  TEXT PRIMARY KEY,
	geography  TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_county_neighbors_source ON county_neighbors(source_geoid);
`

// NewSQLiteRepository opens (creating if needed) a SQLite database at path
// and configures WAL mode.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "neighbors: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "neighbors: sqlite exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "neighbors: sqlite migrate")
	}
	return &SQLiteRepository{db: db}, nil
}

func (s *SQLiteRepository) CountyNeighbors(ctx context.Context, countyGEOID string) ([]model.NeighborRelationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_geoid, neighbor_geoid, kind, shared_boundary_km
		 FROM county_neighbors WHERE source_geoid = ?`,
		countyGEOID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "neighbors: sqlite query %s", countyGEOID)
	}
	defer rows.Close() //nolint:errcheck

	var rels []model.NeighborRelationship
	for rows.Next() {
		var r model.NeighborRelationship
		if err := rows.Scan(&r.SourceGEOID, &r.NeighborGEOID, &r.Kind, &r.SharedBoundaryLength); err != nil {
			return nil, eris.Wrap(err, "neighbors: sqlite scan")
		}
		rels = append(rels, r)
	}
	return rels, eris.Wrap(rows.Err(), "neighbors: sqlite iterate")
}

func (s *SQLiteRepository) SaveCountyNeighbors(ctx context.Context, stateFIPS string, rels []model.NeighborRelationship) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "neighbors: sqlite begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range rels {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO county_neighbors
			 (source_geoid, neighbor_geoid, kind, shared_boundary_km) VALUES (?, ?, ?, ?)`,
			r.SourceGEOID, r.NeighborGEOID, r.Kind, r.SharedBoundaryLength,
		); err != nil {
			return eris.Wrap(err, "neighbors: sqlite insert edge")
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO built_states (state_fips) VALUES (?)`, stateFIPS,
	); err != nil {
		return eris.Wrap(err, "neighbors: sqlite mark built")
	}

	return eris.Wrap(tx.Commit(), "neighbors: sqlite commit")
}

func (s *SQLiteRepository) HasCountyNeighbors(ctx context.Context, stateFIPS string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM built_states WHERE state_fips = ?`, stateFIPS,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "neighbors: sqlite built check")
	}
	return true, nil
}

func (s *SQLiteRepository) PointGeography(ctx context.Context, lat, lon float64) (*model.GeocodeResult, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT geography FROM point_geographies WHERE point_key = ?`, pointKey(lat, lon),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "neighbors: sqlite point lookup")
	}

	var res model.GeocodeResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, false, eris.Wrap(err, "neighbors: sqlite unmarshal point")
	}
	return &res, true, nil
}

func (s *SQLiteRepository) SavePointGeography(ctx context.Context, lat, lon float64, res *model.GeocodeResult) error {
	if res == nil {
		return nil
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "neighbors: sqlite marshal point")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO point_geographies (point_key, geography) VALUES (?, ?)`,
		pointKey(lat, lon), string(payload),
	)
	return eris.Wrap(err, "neighbors: sqlite save point")
}

func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}
