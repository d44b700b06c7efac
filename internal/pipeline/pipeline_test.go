package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiel-opendata/district-import/internal/metrics"
	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/pipeline"
	"github.com/kiel-opendata/district-import/internal/registry"
	"github.com/kiel-opendata/district-import/internal/source"
	"github.com/kiel-opendata/district-import/internal/store"
	"github.com/kiel-opendata/district-import/internal/store/sqlite"
	"github.com/kiel-opendata/district-import/internal/transform"
)

var kielFiles = map[string]string{
	"broken.csv":     "",
	"stadtteile.csv": "Stadtteilnummer;Stadtteil;lat;lon\n4;Exerzierplatz;54.32;10.13\n",
	"kiel_bevoelkerung_stadtteile_einwohner_geschlecht_2023.csv": "Datum;Stadtteilnummer;Stadtteil;insgesamt;maennlich;weiblich\n" +
		"2023_01_15;1;Altstadt;1200;600;600\n" +
		"2023_01_15;2;Vorstadt;1500;700;800\n",
	"kiel_bevoelkerung_altersgruppen_stadtteile_2023.csv": "Datum;Stadtteilnummer;Stadtteil;0 bis unter 3; 6 bis unter 10\n" +
		"2023_01_15;1;Altstadt;30;40\n" +
		"2023_01_15;2;Vorstadt;x;50\n",
	"kiel_bevoelkerung_einwohner_nach_religionszugehoerigkeit_2023.csv": "Jahr;Stadtteil;evangelisch;katholisch\n" +
		"2023;Altstadt;500;200\n" +
		"2023;Schilksee;100;50\n" +
		"2023;;1;1\n",
	"kiel_bevoelkerung_haushalte_nach_haushaltstypen_2023.csv": "Stadtteil;Singles\n" +
		"Altstadt;10\n",
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func opener(path string) pipeline.Opener {
	return func(context.Context) (store.Store, error) {
		return sqlite.Open(path)
	}
}

func options(t *testing.T, dir, dbPath string) pipeline.Options {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	return pipeline.Options{
		Fetcher:         source.DirFetcher{Dir: dir},
		Catalogue:       source.DefaultCatalogue(),
		Open:            opener(dbPath),
		Backoff:         pipeline.Backoff{Attempts: 1, Initial: time.Millisecond, Max: time.Millisecond},
		ReadConcurrency: 3,
		RejectThreshold: 1,
		Log:             log,
		Metrics:         metrics.New(),
	}
}

func reopen(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func counts(t *testing.T, s *sqlite.Store) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	for _, table := range append(store.Tables(), model.RunsTable) {
		n, err := s.CountRows(context.Background(), table)
		require.NoError(t, err)
		out[table] = n
	}
	return out
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	dir := writeFiles(t, kielFiles)
	dbPath := filepath.Join(t.TempDir(), "kiel.db")
	opts := options(t, dir, dbPath)
	p := pipeline.New(opts)

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	state, _ := p.State()
	assert.Equal(t, pipeline.StateDone, state)
	assert.Equal(t, pipeline.StatusDone, sum.Status)

	assert.Equal(t, 4, sum.Discovered)
	assert.Equal(t, 4, sum.Committed)
	assert.Empty(t, sum.Conflicts)
	assert.Equal(t, 2, sum.FailedSources())

	bySource := map[string]pipeline.SourceSummary{}
	for _, s := range sum.Sources {
		bySource[s.Source] = s
	}
	assert.Equal(t, pipeline.StageRead, bySource["broken.csv"].Stage)
	assert.Equal(t, pipeline.StageTransform, bySource["kiel_bevoelkerung_haushalte_nach_haushaltstypen_2023.csv"].Stage)
	religion := bySource["kiel_bevoelkerung_einwohner_nach_religionszugehoerigkeit_2023.csv"]
	assert.Equal(t, 4, religion.Written)
	assert.Equal(t, 1, religion.Rejected[transform.ReasonName])
	assert.Equal(t, 1, bySource["kiel_bevoelkerung_altersgruppen_stadtteile_2023.csv"].Rejected[transform.ReasonCell])
	assert.Equal(t, 1, bySource["stadtteile.csv"].Discovered)

	s := reopen(t, dbPath)
	assert.Equal(t, map[string]int64{
		model.DistrictsTable:             4,
		model.FamilyGender.Table():       2,
		model.FamilyAge.Table():          3,
		model.FamilyReligion.Table():     4,
		model.FamilyFamilyStatus.Table(): 0,
		model.FamilyNationality.Table():  0,
		model.FamilyHousehold.Table():    0,
		model.RunsTable:                  1,
	}, counts(t, s))
	assert.Len(t, sum.Warnings, 3)

	ds, err := s.Districts(context.Background())
	require.NoError(t, err)
	names := map[int64]string{}
	for _, d := range ds {
		names[d.ID] = d.Name
	}
	assert.Equal(t, map[int64]string{1: "Altstadt", 2: "Vorstadt", 4: "Exerzierplatz", 5: "Schilksee"}, names)

	assert.InDelta(t, 2, testutil.ToFloat64(opts.Metrics.SourceFailures.WithLabelValues(pipeline.StageRead))+
		testutil.ToFloat64(opts.Metrics.SourceFailures.WithLabelValues(pipeline.StageTransform)), 1e-9)
	assert.InDelta(t, 4, testutil.ToFloat64(opts.Metrics.Districts), 1e-9)

	rejected := map[transform.Reason]int{}
	for _, src := range sum.Sources {
		for r, c := range src.Rejected {
			rejected[r] += c
		}
	}
	require.NotEmpty(t, rejected)
	for r, c := range rejected {
		assert.InDelta(t, c, testutil.ToFloat64(opts.Metrics.Rejected.WithLabelValues(string(r))), 1e-9, "reason %s", r)
	}

	var buf bytes.Buffer
	require.NoError(t, sum.Write(&buf))
	assert.Contains(t, buf.String(), "registry only, 1 new districts")
	assert.Contains(t, buf.String(), "population_by_religion")
}

func TestRun_Idempotent(t *testing.T) {
	dir := writeFiles(t, kielFiles)
	dbPath := filepath.Join(t.TempDir(), "kiel.db")

	first, err := pipeline.New(options(t, dir, dbPath)).Run(context.Background())
	require.NoError(t, err)
	s := reopen(t, dbPath)
	before := counts(t, s)
	districtsBefore, err := s.Districts(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	second, err := pipeline.New(options(t, dir, dbPath)).Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	s = reopen(t, dbPath)
	after := counts(t, s)
	assert.Equal(t, before[model.RunsTable]+1, after[model.RunsTable])
	delete(before, model.RunsTable)
	delete(after, model.RunsTable)
	assert.Equal(t, before, after)

	districtsAfter, err := s.Districts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, districtsBefore, districtsAfter)
}

func TestRun_RejectThreshold(t *testing.T) {
	dir := writeFiles(t, kielFiles)
	for _, threshold := range []float64{0.1, 0} {
		opts := options(t, dir, filepath.Join(t.TempDir(), "kiel.db"))
		opts.RejectThreshold = threshold

		sum, err := pipeline.New(opts).Run(context.Background())
		require.ErrorIs(t, err, pipeline.ErrRejectThreshold, "threshold %v", threshold)
		assert.Equal(t, pipeline.StatusFailed, sum.Status)
		assert.Equal(t, pipeline.StateVerified, sum.State)
		assert.InDelta(t, 1.0/7.0, sum.RejectionRatio(), 1e-9)
	}

	opts := options(t, dir, filepath.Join(t.TempDir(), "kiel.db"))
	opts.RejectThreshold = 0.2
	_, err := pipeline.New(opts).Run(context.Background())
	require.NoError(t, err)
}

func TestRun_ZeroThresholdWithoutRejections(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"kiel_bevoelkerung_stadtteile_einwohner_geschlecht_2023.csv": "Datum;Stadtteilnummer;Stadtteil;insgesamt;maennlich;weiblich\n" +
			"2023_01_15;1;Altstadt;1200;600;600\n",
	})
	opts := options(t, dir, filepath.Join(t.TempDir(), "kiel.db"))
	opts.RejectThreshold = 0

	sum, err := pipeline.New(opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusDone, sum.Status)
	assert.Zero(t, sum.RejectionRatio())
}

func TestRun_IdentityConflicts(t *testing.T) {
	files := map[string]string{}
	for k, v := range kielFiles {
		files[k] = v
	}
	files["zz_renamed.csv"] = "Stadtteilnummer;Stadtteil\n1;Brunswik\n"
	dir := writeFiles(t, files)

	sum, err := pipeline.New(options(t, dir, filepath.Join(t.TempDir(), "lenient.db"))).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Conflicts, 1)
	assert.Equal(t, "Brunswik", sum.Conflicts[0].Name)

	opts := options(t, dir, filepath.Join(t.TempDir(), "strict.db"))
	opts.IdentityConflictsFatal = true
	sum, err = pipeline.New(opts).Run(context.Background())
	require.ErrorIs(t, err, registry.ErrIdentityConflict)
	assert.Equal(t, pipeline.StateSchemaReady, sum.State)
}

func TestRun_ConnectExhausted(t *testing.T) {
	opts := options(t, t.TempDir(), "")
	opts.Backoff = pipeline.Backoff{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}
	opts.Open = func(context.Context) (store.Store, error) {
		return nil, errors.New("connection refused")
	}
	p := pipeline.New(opts)

	sum, err := p.Run(context.Background())
	require.ErrorIs(t, err, pipeline.ErrConnect)
	assert.Contains(t, err.Error(), "connection refused")
	state, _ := p.State()
	assert.Equal(t, pipeline.StateFailed, state)
	assert.Equal(t, pipeline.StateConnecting, sum.State)
	assert.InDelta(t, 3, testutil.ToFloat64(opts.Metrics.ConnectAttempts), 1e-9)
}

func TestRun_Canceled(t *testing.T) {
	dir := writeFiles(t, kielFiles)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := pipeline.New(options(t, dir, filepath.Join(t.TempDir(), "kiel.db"))).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, pipeline.StatusFailed, sum.Status)
}

// cancelingStore cancels the run on the first fact write.
type cancelingStore struct {
	store.Store
	cancel context.CancelFunc
}

func (s cancelingStore) UpsertFacts(ctx context.Context, family model.Family, facts []model.Fact) error {
	s.cancel()
	return ctx.Err()
}

func TestRun_RejectionsCountedWhenLoadAborts(t *testing.T) {
	dir := writeFiles(t, kielFiles)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := options(t, dir, filepath.Join(t.TempDir(), "kiel.db"))
	open := opts.Open
	opts.Open = func(ctx context.Context) (store.Store, error) {
		st, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return cancelingStore{Store: st, cancel: cancel}, nil
	}

	sum, err := pipeline.New(opts).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	var age pipeline.SourceSummary
	for _, src := range sum.Sources {
		if src.Family == model.FamilyAge {
			age = src
		}
	}
	require.Equal(t, 1, age.Rejected[transform.ReasonCell])
	assert.InDelta(t, 1, testutil.ToFloat64(opts.Metrics.Rejected.WithLabelValues(string(transform.ReasonCell))), 1e-9)
}
