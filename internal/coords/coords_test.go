package coords_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiel-opendata/district-import/internal/coords"
	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/store/sqlite"
)

func seeded(t *testing.T, ds ...model.District) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "coords.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.InsertDistricts(ctx, ds))
	return s
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	log, hook := logtest.NewNullLogger()
	s := seeded(t,
		model.District{ID: 1, Name: "Altstadt"},
		model.District{ID: 9, Name: "Ravensberg"},
		model.District{ID: 31, Name: "Neubaugebiet"},
	)

	res, err := coords.Apply(ctx, s, coords.Kiel, log)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 9}, res.Updated)
	require.Len(t, res.Missing, 1)
	assert.Equal(t, int64(31), res.Missing[0].ID)
	assert.Len(t, res.Unknown, 28)
	assert.Equal(t, "no coordinates for district", hook.Entries[0].Message)

	ds, err := s.Districts(ctx)
	require.NoError(t, err)
	require.True(t, ds[1].HasCoordinates())
	assert.InDelta(t, 54.3244, *ds[1].Latitude, 1e-9)
	assert.InDelta(t, 10.1006, *ds[1].Longitude, 1e-9)
	assert.False(t, ds[2].HasCoordinates())

	again, err := coords.Apply(ctx, s, coords.Kiel, log)
	require.NoError(t, err)
	assert.Equal(t, res.Updated, again.Updated)
	after, err := s.Districts(ctx)
	require.NoError(t, err)
	assert.Equal(t, ds, after)
}

func TestApply_WarnsOnNameMismatch(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	s := seeded(t, model.District{ID: 5, Name: "Brunswiek"})

	res, err := coords.Apply(context.Background(), s, coords.Kiel[4:5], log)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, res.Updated)
	assert.Equal(t, "coordinate entry names a different district", hook.Entries[0].Message)
}

func TestParseTable(t *testing.T) {
	table, err := coords.ParseTable([]byte(`
- district_id: 1
  name: Altstadt
  lat: 54.3233
  lon: 10.1394
- district_id: 2
  lat: 54.3211
  lon: 10.1278
`))
	require.NoError(t, err)
	assert.Equal(t, []model.Coordinate{
		{DistrictID: 1, Name: "Altstadt", Latitude: 54.3233, Longitude: 10.1394},
		{DistrictID: 2, Latitude: 54.3211, Longitude: 10.1278},
	}, table)

	tests := map[string]string{
		"duplicate":    "- {district_id: 1, lat: 54, lon: 10}\n- {district_id: 1, lat: 54, lon: 10}\n",
		"out of range": "- {district_id: 1, lat: 154, lon: 10}\n",
		"missing id":   "- {lat: 54, lon: 10}\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := coords.ParseTable([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coords.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- {district_id: 27, name: Schilksee, lat: 54.405, lon: 10.1525}\n"), 0o600))

	table, err := coords.LoadTable(path)
	require.NoError(t, err)
	require.Len(t, table, 1)
	assert.Equal(t, "Schilksee", table[0].Name)

	_, err = coords.LoadTable(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestKielTableIsValid(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	assert.Len(t, coords.Kiel, 30)
	res, err := coords.Apply(context.Background(), seeded(t), coords.Kiel, log)
	require.NoError(t, err)
	assert.Len(t, res.Unknown, 30)
}

func TestExport(t *testing.T) {
	lat, lon := 54.3233, 10.1394
	var buf bytes.Buffer
	require.NoError(t, coords.Export(&buf, []model.District{
		{ID: 1, Name: "Altstadt", Latitude: &lat, Longitude: &lon},
		{ID: 2, Name: "Vorstadt"},
	}))
	assert.Equal(t, "Stadtteilnummer;Stadtteil;Latitude;Longitude\n"+
		"1;Altstadt;54.3233;10.1394\n"+
		"2;Vorstadt;;\n", buf.String())
}
