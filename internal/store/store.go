// Package store defines the persistence contract shared by the Postgres and
// SQLite backends.
package store

import (
	"context"
	"errors"

	"github.com/kiel-opendata/district-import/internal/model"
)

var (
	// ErrUnknownFamily is returned for a family without a fact table.
	ErrUnknownFamily = errors.New("unknown fact family")
	// ErrUnknownTable is returned by CountRows for a table outside the schema.
	ErrUnknownTable = errors.New("unknown table")
	// ErrConstraint wraps integrity violations reported by the database.
	ErrConstraint = errors.New("constraint violation")
)

// Store is the normalized schema as seen by the loader and the pipeline.
type Store interface {
	Ping(ctx context.Context) error

	// Reset drops and recreates the districts and fact tables. The run
	// audit table survives.
	Reset(ctx context.Context) error

	// InsertDistricts inserts districts whose id and name are both unused
	// and leaves existing rows untouched.
	InsertDistricts(ctx context.Context, ds []model.District) error
	// Districts returns the stored districts ordered by id.
	Districts(ctx context.Context) ([]model.District, error)
	// SetCoordinates updates one district's coordinates and reports
	// whether the district exists.
	SetCoordinates(ctx context.Context, c model.Coordinate) (bool, error)

	// UpsertFacts writes facts atomically: either every fact is stored
	// or none is. Existing keys get their counts overwritten.
	UpsertFacts(ctx context.Context, family model.Family, facts []model.Fact) error

	CountRows(ctx context.Context, table string) (int64, error)
	RecordRun(ctx context.Context, run model.RunRecord) error

	Close() error
}

// Locker is implemented by stores that can hold a run-wide lock.
type Locker interface {
	// Lock blocks until the lock identified by key is held. The returned
	// func releases it.
	Lock(ctx context.Context, key int64) (func(context.Context) error, error)
}

// Tables lists every table the schema owns, districts first.
func Tables() []string {
	out := []string{model.DistrictsTable}
	for _, f := range model.Families {
		out = append(out, f.Table())
	}
	return out
}

// KnownTable reports whether name is one of Tables or the run table.
func KnownTable(name string) bool {
	if name == model.RunsTable {
		return true
	}
	for _, t := range Tables() {
		if t == name {
			return true
		}
	}
	return false
}
