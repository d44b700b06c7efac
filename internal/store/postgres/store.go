// Package postgres is the production store, backed by gorm on pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/store"
)

// Store implements store.Store in one Postgres schema.
type Store struct {
	db     *gorm.DB
	schema string
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Locker = (*Store)(nil)
)

// Open connects to dsn and makes sure the schema and the run table exist.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	db, err := connect(ctx, dsn, opts)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, schema: opts.Schema}
	if err := EnsureSchema(ctx, db, s.schema); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ensure schema %s: %w", s.schema, err)
	}
	if err := db.WithContext(ctx).Exec(s.runsDDL()).Error; err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create %s: %w", model.RunsTable, err)
	}
	return s, nil
}

func (s *Store) String() string { return "postgres:" + s.schema }

// table returns the schema-qualified name gorm quotes as "schema"."table".
func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// ident returns the quoted schema-qualified name for raw SQL.
func (s *Store) ident(name string) string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(name)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) runsDDL() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.ident(model.RunsTable) + ` (
		run_id UUID PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		summary JSONB NOT NULL
	)`
}

func (s *Store) districtsDDL() string {
	return `CREATE TABLE ` + s.ident(model.DistrictsTable) + ` (
		id BIGINT PRIMARY KEY,
		name VARCHAR(100) NOT NULL UNIQUE,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION
	)`
}

func (s *Store) factDDL(f model.Family) string {
	extra := ""
	if f == model.FamilyGender {
		extra = `
		male BIGINT NOT NULL,
		female BIGINT NOT NULL,`
	}
	return fmt.Sprintf(`CREATE TABLE %s (
		id BIGSERIAL PRIMARY KEY,
		district_id BIGINT NOT NULL REFERENCES %s (id),
		observation_date DATE NOT NULL,
		category VARCHAR(100) NOT NULL,
		count BIGINT NOT NULL,%s
		UNIQUE (district_id, observation_date, category)
	)`, s.ident(f.Table()), s.ident(model.DistrictsTable), extra)
}

func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		drop := make([]string, 0, len(model.Families)+1)
		for _, f := range model.Families {
			drop = append(drop, s.ident(f.Table()))
		}
		drop = append(drop, s.ident(model.DistrictsTable))
		if err := tx.Exec(`DROP TABLE IF EXISTS ` + strings.Join(drop, ", ") + ` CASCADE`).Error; err != nil {
			return fmt.Errorf("drop tables: %w", err)
		}

		if err := tx.Exec(s.districtsDDL()).Error; err != nil {
			return fmt.Errorf("create %s: %w", model.DistrictsTable, err)
		}
		for _, f := range model.Families {
			if err := tx.Exec(s.factDDL(f)).Error; err != nil {
				return fmt.Errorf("create %s: %w", f.Table(), err)
			}
		}
		return nil
	})
}

type districtRow struct {
	ID        int64    `gorm:"column:id;primaryKey;autoIncrement:false"`
	Name      string   `gorm:"column:name"`
	Latitude  *float64 `gorm:"column:latitude"`
	Longitude *float64 `gorm:"column:longitude"`
}

func (s *Store) InsertDistricts(ctx context.Context, ds []model.District) error {
	if len(ds) == 0 {
		return nil
	}
	rows := make([]districtRow, len(ds))
	for i, d := range ds {
		rows[i] = districtRow{ID: d.ID, Name: d.Name, Latitude: d.Latitude, Longitude: d.Longitude}
	}
	err := s.db.WithContext(ctx).
		Table(s.table(model.DistrictsTable)).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("insert districts: %w", classify(err))
	}
	return nil
}

func (s *Store) Districts(ctx context.Context) ([]model.District, error) {
	var rows []districtRow
	if err := s.db.WithContext(ctx).Table(s.table(model.DistrictsTable)).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("select districts: %w", err)
	}
	out := make([]model.District, len(rows))
	for i, r := range rows {
		out[i] = model.District{ID: r.ID, Name: r.Name}
		if r.Latitude != nil && r.Longitude != nil {
			out[i].Latitude, out[i].Longitude = r.Latitude, r.Longitude
		}
	}
	return out, nil
}

func (s *Store) SetCoordinates(ctx context.Context, c model.Coordinate) (bool, error) {
	res := s.db.WithContext(ctx).
		Table(s.table(model.DistrictsTable)).
		Where("id = ?", c.DistrictID).
		Updates(map[string]any{"latitude": c.Latitude, "longitude": c.Longitude})
	if res.Error != nil {
		return false, fmt.Errorf("update district %d: %w", c.DistrictID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

type factRow struct {
	DistrictID      int64     `gorm:"column:district_id"`
	ObservationDate time.Time `gorm:"column:observation_date;type:date"`
	Category        string    `gorm:"column:category"`
	Count           int64     `gorm:"column:count"`
}

type genderRow struct {
	DistrictID      int64     `gorm:"column:district_id"`
	ObservationDate time.Time `gorm:"column:observation_date;type:date"`
	Category        string    `gorm:"column:category"`
	Count           int64     `gorm:"column:count"`
	Male            int64     `gorm:"column:male"`
	Female          int64     `gorm:"column:female"`
}

var factKey = []clause.Column{{Name: "district_id"}, {Name: "observation_date"}, {Name: "category"}}

func (s *Store) UpsertFacts(ctx context.Context, family model.Family, facts []model.Fact) error {
	if !family.Valid() {
		return fmt.Errorf("%w: %q", store.ErrUnknownFamily, family)
	}
	if len(facts) == 0 {
		return nil
	}

	update := []string{"count"}
	var rows any
	if family == model.FamilyGender {
		update = append(update, "male", "female")
		gr := make([]genderRow, len(facts))
		for i, f := range facts {
			gr[i] = genderRow{DistrictID: f.DistrictID, ObservationDate: f.Date, Category: f.Category, Count: f.Count}
			if f.Gender != nil {
				gr[i].Male, gr[i].Female = f.Gender.Male, f.Gender.Female
			}
		}
		rows = &gr
	} else {
		fr := make([]factRow, len(facts))
		for i, f := range facts {
			fr[i] = toFactRow(f)
		}
		rows = &fr
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Table(s.table(family.Table())).
			Clauses(clause.OnConflict{Columns: factKey, DoUpdates: clause.AssignmentColumns(update)}).
			Create(rows).Error
		if err != nil {
			return fmt.Errorf("upsert %s: %w", family.Table(), classify(err))
		}
		return nil
	})
}

func toFactRow(f model.Fact) factRow {
	return factRow{DistrictID: f.DistrictID, ObservationDate: f.Date, Category: f.Category, Count: f.Count}
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if !store.KnownTable(table) {
		return 0, fmt.Errorf("%w: %q", store.ErrUnknownTable, table)
	}
	var n int64
	if err := s.db.WithContext(ctx).Table(s.table(table)).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

type runRow struct {
	RunID      string    `gorm:"column:run_id;primaryKey"`
	StartedAt  time.Time `gorm:"column:started_at"`
	FinishedAt time.Time `gorm:"column:finished_at"`
	Status     string    `gorm:"column:status"`
	Summary    string    `gorm:"column:summary;type:jsonb"`
}

func (s *Store) RecordRun(ctx context.Context, run model.RunRecord) error {
	row := runRow{
		RunID:      run.RunID,
		StartedAt:  run.StartedAt.UTC(),
		FinishedAt: run.FinishedAt.UTC(),
		Status:     run.Status,
		Summary:    string(run.Summary),
	}
	err := s.db.WithContext(ctx).
		Table(s.table(model.RunsTable)).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"finished_at", "status", "summary"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.RunID, err)
	}
	return nil
}

// Lock takes a session-level advisory lock on a dedicated connection.
func (s *Store) Lock(ctx context.Context, key int64) (func(context.Context) error, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve lock connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("advisory lock %d: %w", key, err)
	}
	return func(ctx context.Context) error {
		defer func(c *sql.Conn) { _ = c.Close() }(conn)
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			return fmt.Errorf("advisory unlock %d: %w", key, err)
		}
		return nil
	}, nil
}

// classify tags integrity violations (SQLSTATE class 23) with
// store.ErrConstraint.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %s (%s): %w", store.ErrConstraint, pgErr.ConstraintName, pgErr.Code, err)
	}
	return err
}
