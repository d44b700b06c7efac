package loader_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiel-opendata/district-import/internal/loader"
	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/registry"
	"github.com/kiel-opendata/district-import/internal/source"
	"github.com/kiel-opendata/district-import/internal/store/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "load.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Reset(context.Background()))
	return s
}

func draft(t *testing.T, body string) *registry.Draft {
	t.Helper()
	tbl, err := source.Read("districts.csv", strings.NewReader(body), ';', source.DefaultColumns)
	require.NoError(t, err)
	tbl.Bind(nil)
	log, _ := logtest.NewNullLogger()
	return registry.NewBuilder(log).Build([]*source.Table{tbl})
}

const kiel = "Stadtteilnummer;Stadtteil;Jahr\n1;Altstadt;2023\n2;Vorstadt;2023\n3;Exerzierplatz;2023\n"

func day(d int) time.Time { return time.Date(2023, 1, d, 0, 0, 0, 0, time.UTC) }

func fact(id int64, d int, cat string, n int64) model.Fact {
	return model.Fact{DistrictID: id, Date: day(d), Category: cat, Count: n}
}

func count(t *testing.T, s *sqlite.Store, table string) int64 {
	t.Helper()
	n, err := s.CountRows(context.Background(), table)
	require.NoError(t, err)
	return n
}

func TestCommitDistricts(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.InsertDistricts(ctx, []model.District{{ID: 2, Name: "Brunswik"}}))

	log, hook := logtest.NewNullLogger()
	l := loader.New(s, log, loader.Options{BatchSize: 2})
	reg, err := l.CommitDistricts(ctx, draft(t, kiel))
	require.NoError(t, err)

	assert.True(t, reg.Valid(1))
	assert.False(t, reg.Valid(2), "stored under another name")
	assert.True(t, reg.Valid(3))
	assert.Same(t, reg, l.Registry())
	assert.Equal(t, int64(3), count(t, s, model.DistrictsTable))
	assert.NotEmpty(t, hook.AllEntries())
}

func TestLoadFacts_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	facts := []model.Fact{
		fact(1, 1, "evangelisch", 10),
		fact(1, 1, "katholisch", 5),
		fact(2, 1, "evangelisch", 7),
		fact(3, 2, "evangelisch", 1),
	}

	for range 2 {
		log, _ := logtest.NewNullLogger()
		l := loader.New(s, log, loader.Options{BatchSize: 3})
		_, err := l.CommitDistricts(ctx, draft(t, kiel))
		require.NoError(t, err)
		res, err := l.LoadFacts(ctx, model.FamilyReligion, facts)
		require.NoError(t, err)
		assert.Equal(t, 4, res.Written)
		assert.Equal(t, 2, res.Batches)
		assert.Zero(t, res.RejectedTotal())
	}

	assert.Equal(t, int64(3), count(t, s, model.DistrictsTable))
	assert.Equal(t, int64(4), count(t, s, model.FamilyReligion.Table()))
}

func TestLoadFacts_UpsertAndDedupe(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	log, _ := logtest.NewNullLogger()
	l := loader.New(s, log, loader.Options{})
	_, err := l.CommitDistricts(ctx, draft(t, kiel))
	require.NoError(t, err)

	_, err = l.LoadFacts(ctx, model.FamilyHousehold, []model.Fact{fact(1, 1, "Singles", 10)})
	require.NoError(t, err)
	res, err := l.LoadFacts(ctx, model.FamilyHousehold, []model.Fact{
		fact(1, 1, "Singles", 11),
		fact(1, 1, "Paare", 3),
		fact(1, 1, "Singles", 12),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.Written)

	var n int64
	require.NoError(t, s.DB().QueryRowContext(ctx,
		"SELECT count FROM households WHERE district_id = 1 AND category = 'Singles'").Scan(&n))
	assert.Equal(t, int64(12), n)
	assert.Equal(t, int64(2), count(t, s, model.FamilyHousehold.Table()))
}

func TestLoadFacts_ReferentialGate(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	log, _ := logtest.NewNullLogger()
	l := loader.New(s, log, loader.Options{})

	_, err := l.LoadFacts(ctx, model.FamilyAge, []model.Fact{fact(1, 1, "0 bis unter 3", 1)})
	require.ErrorIs(t, err, loader.ErrNotCommitted)

	_, err = l.CommitDistricts(ctx, draft(t, kiel))
	require.NoError(t, err)
	res, err := l.LoadFacts(ctx, model.FamilyAge, []model.Fact{
		fact(1, 1, "0 bis unter 3", 1),
		fact(9, 1, "0 bis unter 3", 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.Rejected[loader.ReasonDangling])
	assert.Equal(t, int64(1), count(t, s, model.FamilyAge.Table()))
}

// poisonStore refuses any batch that contains a "poison" category.
type poisonStore struct {
	*sqlite.Store
	calls int
}

func (p *poisonStore) UpsertFacts(ctx context.Context, family model.Family, facts []model.Fact) error {
	p.calls++
	for _, f := range facts {
		if f.Category == "poison" {
			return errors.New("refused")
		}
	}
	return p.Store.UpsertFacts(ctx, family, facts)
}

func TestLoadFacts_SplitsFailingBatch(t *testing.T) {
	ctx := context.Background()
	s := &poisonStore{Store: openStore(t)}
	log, hook := logtest.NewNullLogger()
	l := loader.New(s, log, loader.Options{BatchSize: 8})
	_, err := l.CommitDistricts(ctx, draft(t, kiel))
	require.NoError(t, err)

	facts := []model.Fact{
		fact(1, 1, "a", 1), fact(1, 1, "b", 1), fact(1, 1, "poison", 1), fact(1, 1, "c", 1),
		fact(2, 1, "a", 1), fact(2, 1, "b", 1), fact(2, 1, "c", 1), fact(2, 1, "d", 1),
	}
	res, err := l.LoadFacts(ctx, model.FamilyNationality, facts)
	require.NoError(t, err)

	assert.Equal(t, 7, res.Written)
	assert.Equal(t, 1, res.Rejected[loader.ReasonWrite])
	assert.Equal(t, 3, res.Splits)
	assert.Equal(t, int64(7), count(t, s.Store, model.FamilyNationality.Table()))
	assert.Len(t, hook.AllEntries(), 2, "commit info and one refused fact")
}

func TestLoadFacts_Canceled(t *testing.T) {
	s := openStore(t)
	log, _ := logtest.NewNullLogger()
	l := loader.New(s, log, loader.Options{BatchesPerSecond: 1})
	_, err := l.CommitDistricts(context.Background(), draft(t, kiel))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.LoadFacts(ctx, model.FamilyAge, []model.Fact{fact(1, 1, "0 bis unter 3", 1)})
	assert.ErrorIs(t, err, context.Canceled)
}
