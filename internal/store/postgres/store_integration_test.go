package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/store"
	"github.com/kiel-opendata/district-import/internal/store/postgres"
)

var databaseURL string

func TestMain(m *testing.M) {
	_ = godotenv.Load("../../../.env.local")
	// Without a database every test here skips.
	databaseURL = os.Getenv("DATABASE_URL")
	os.Exit(m.Run())
}

func open(t *testing.T) *postgres.Store {
	t.Helper()
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("district_import_test_%d", time.Now().UnixNano())
	s, err := postgres.Open(ctx, databaseURL, postgres.Options{Schema: schema})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Reset(ctx))
	return s
}

func TestStore_Integration(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	require.NoError(t, s.InsertDistricts(ctx, []model.District{{ID: 1, Name: "Altstadt"}, {ID: 2, Name: "Vorstadt"}}))
	require.NoError(t, s.InsertDistricts(ctx, []model.District{{ID: 1, Name: "Other"}, {ID: 3, Name: "Vorstadt"}}))
	ds, err := s.Districts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.District{{ID: 1, Name: "Altstadt"}, {ID: 2, Name: "Vorstadt"}}, ds)

	date := time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC)
	f := model.Fact{DistrictID: 1, Date: date, Category: "insgesamt", Count: 10, Gender: &model.GenderBreakdown{Male: 4, Female: 6}}
	require.NoError(t, s.UpsertFacts(ctx, model.FamilyGender, []model.Fact{f}))
	f.Count = 12
	require.NoError(t, s.UpsertFacts(ctx, model.FamilyGender, []model.Fact{f}))
	n, err := s.CountRows(ctx, model.FamilyGender.Table())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	err = s.UpsertFacts(ctx, model.FamilyAge, []model.Fact{
		{DistrictID: 1, Date: date, Category: "0 bis unter 3", Count: 1},
		{DistrictID: 42, Date: date, Category: "0 bis unter 3", Count: 1},
	})
	assert.ErrorIs(t, err, store.ErrConstraint)
	n, err = s.CountRows(ctx, model.FamilyAge.Table())
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err := s.SetCoordinates(ctx, model.Coordinate{DistrictID: 2, Latitude: 54.31, Longitude: 10.12})
	require.NoError(t, err)
	assert.True(t, ok)

	now := time.Now()
	require.NoError(t, s.RecordRun(ctx, model.RunRecord{
		RunID: uuid.NewString(), StartedAt: now, FinishedAt: now, Status: "done", Summary: []byte(`{"ok":true}`),
	}))
}

func TestStore_Lock(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	unlock, err := s.Lock(ctx, 424242)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}
