// Package sqlite is a file-backed store for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/store"
)

// Store implements store.Store on a single SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// Open opens (and creates) the database at path with foreign keys
// enforced.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "district-import.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; keeps pragmas on a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if _, err := db.Exec(runsDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create %s: %w", model.RunsTable, err)
	}
	return s, nil
}

// DB exposes the handle for read-only inspection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) String() string { return "sqlite:" + s.path }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

const runsDDL = `CREATE TABLE IF NOT EXISTS import_runs (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	status TEXT NOT NULL,
	summary TEXT NOT NULL
)`

const districtsDDL = `CREATE TABLE districts (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	latitude REAL,
	longitude REAL
)`

func factDDL(f model.Family) string {
	extra := ""
	if f == model.FamilyGender {
		extra = "\n\tmale INTEGER NOT NULL,\n\tfemale INTEGER NOT NULL,"
	}
	return fmt.Sprintf(`CREATE TABLE %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	district_id INTEGER NOT NULL REFERENCES districts(id),
	observation_date TEXT NOT NULL,
	category TEXT NOT NULL,
	count INTEGER NOT NULL,%s
	UNIQUE (district_id, observation_date, category)
)`, f.Table(), extra)
}

func (s *Store) Reset(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i := len(model.Families) - 1; i >= 0; i-- {
		if _, err = tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+model.Families[i].Table()); err != nil {
			return fmt.Errorf("drop %s: %w", model.Families[i].Table(), err)
		}
	}
	if _, err = tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+model.DistrictsTable); err != nil {
		return fmt.Errorf("drop %s: %w", model.DistrictsTable, err)
	}
	if _, err = tx.ExecContext(ctx, districtsDDL); err != nil {
		return fmt.Errorf("create %s: %w", model.DistrictsTable, err)
	}
	for _, f := range model.Families {
		if _, err = tx.ExecContext(ctx, factDDL(f)); err != nil {
			return fmt.Errorf("create %s: %w", f.Table(), err)
		}
	}
	return tx.Commit()
}

func (s *Store) InsertDistricts(ctx context.Context, ds []model.District) error {
	if len(ds) == 0 {
		return nil
	}
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString("INSERT INTO districts (id, name, latitude, longitude) VALUES ")
	for i, d := range ds {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?)")
		args = append(args, d.ID, d.Name, nullFloat(d.Latitude), nullFloat(d.Longitude))
	}
	b.WriteString(" ON CONFLICT DO NOTHING")
	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert districts: %w", classify(err))
	}
	return nil
}

func (s *Store) Districts(ctx context.Context) ([]model.District, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, latitude, longitude FROM districts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("select districts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.District
	for rows.Next() {
		var (
			d        model.District
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&d.ID, &d.Name, &lat, &lon); err != nil {
			return nil, fmt.Errorf("scan district: %w", err)
		}
		if lat.Valid && lon.Valid {
			d.Latitude, d.Longitude = &lat.Float64, &lon.Float64
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SetCoordinates(ctx context.Context, c model.Coordinate) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE districts SET latitude = ?, longitude = ? WHERE id = ?",
		c.Latitude, c.Longitude, c.DistrictID)
	if err != nil {
		return false, fmt.Errorf("update district %d: %w", c.DistrictID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) UpsertFacts(ctx context.Context, family model.Family, facts []model.Fact) (err error) {
	if !family.Valid() {
		return fmt.Errorf("%w: %q", store.ErrUnknownFamily, family)
	}
	if len(facts) == 0 {
		return nil
	}
	query, args := upsertSQL(family, facts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", family.Table(), classify(err))
	}
	return tx.Commit()
}

func upsertSQL(family model.Family, facts []model.Fact) (string, []any) {
	gender := family == model.FamilyGender
	cols := "district_id, observation_date, category, count"
	set := "count = excluded.count"
	width := 4
	if gender {
		cols += ", male, female"
		set += ", male = excluded.male, female = excluded.female"
		width = 6
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"

	var b strings.Builder
	args := make([]any, 0, len(facts)*width)
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", family.Table(), cols)
	for i, f := range facts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, f.DistrictID, f.Date.Format(model.DateLayout), f.Category, f.Count)
		if gender {
			var male, female int64
			if f.Gender != nil {
				male, female = f.Gender.Male, f.Gender.Female
			}
			args = append(args, male, female)
		}
	}
	fmt.Fprintf(&b, " ON CONFLICT (district_id, observation_date, category) DO UPDATE SET %s", set)
	return b.String(), args
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if !store.KnownTable(table) {
		return 0, fmt.Errorf("%w: %q", store.ErrUnknownTable, table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) RecordRun(ctx context.Context, run model.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_runs (run_id, started_at, finished_at, status, summary) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET finished_at = excluded.finished_at, status = excluded.status, summary = excluded.summary`,
		run.RunID, run.StartedAt.UTC().Format(timeLayout), run.FinishedAt.UTC().Format(timeLayout), run.Status, string(run.Summary))
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.RunID, err)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// classify tags constraint failures with store.ErrConstraint.
func classify(err error) error {
	if err != nil && strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("%w: %w", store.ErrConstraint, err)
	}
	return err
}
