package source_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/source"
)

func TestDefaultCatalogue_Lookup(t *testing.T) {
	cat := source.DefaultCatalogue()

	cases := map[string]model.Family{
		"kiel_bevoelkerung_stadtteile_einwohner_geschlecht.csv":                                     model.FamilyGender,
		"kiel_bevoelkerung_altersgruppen_stadtteile.csv":                                            model.FamilyAge,
		"kiel_bevoelkerung_einwohner_nach_religionszugehoerigkeit_in_den_stadtteilen.csv":           model.FamilyReligion,
		"kiel_bevoelkerung_einwohner_nach_familienstand_in_den_stadtteilen.csv":                     model.FamilyFamilyStatus,
		"kiel_bevoelkerung_auslaender_nach_ausgesuchten_nationalitaeten_in_den_stadtteilen.csv":     model.FamilyNationality,
		"kiel_bevoelkerung_haushalte_nach_haushaltstypen_und_personenanzahl_in_den_stadtteilen.csv": model.FamilyHousehold,
	}
	for file, family := range cases {
		d, ok := cat.Lookup(file)
		require.True(t, ok, file)
		assert.Equal(t, family, d.Family, file)
		assert.NoError(t, d.Validate())
	}

	_, ok := cat.Lookup("kiel_verkehr_unfaelle.csv")
	assert.False(t, ok)
}

func TestParseCatalogue(t *testing.T) {
	doc := []byte(`
delimiter: "|"
columns:
  name: [Bezirk, Stadtteil]
sources:
  - name: visits
    match: "visits_*.csv"
    identity: name_only
    semantics: generic_pivot
    family: household
    skip: [Notes]
  - name: sex
    match: "sex.csv"
    identity: explicit_id
    semantics: gender_triple
    family: gender
    gender: {total: all, male: m, female: f}
  - name: ages
    match: "ages.csv"
    semantics: age_buckets
    family: age
`)
	cat, err := source.ParseCatalogue(doc)
	require.NoError(t, err)

	assert.Equal(t, '|', cat.Delimiter)
	assert.Equal(t, []string{"Bezirk", "Stadtteil"}, cat.Columns.Name)
	assert.Equal(t, source.DefaultColumns.ID, cat.Columns.ID)
	require.Len(t, cat.Sources, 3)

	visits := cat.Sources[0]
	assert.Equal(t, source.IdentityNameOnly, visits.Identity)
	assert.Equal(t, source.GenericPivot{Skip: []string{"Notes"}}, visits.Semantics)

	sex := cat.Sources[1]
	assert.Equal(t, source.GenderTriple{Total: "all", Male: "m", Female: "f"}, sex.Semantics)
	assert.Equal(t, "all", sex.Label)

	ages := cat.Sources[2]
	assert.Equal(t, source.IdentityAuto, ages.Identity)
	assert.Equal(t, source.AgeBuckets{Buckets: source.DefaultAgeBuckets}, ages.Semantics)
}

func TestParseCatalogue_Errors(t *testing.T) {
	cases := map[string]string{
		"no sources":      `delimiter: ";"`,
		"long delimiter":  "delimiter: \";;\"\nsources: [{name: a, match: a.csv, family: age, semantics: age_buckets}]",
		"bad family":      "sources: [{name: a, match: a.csv, family: weather}]",
		"bad semantics":   "sources: [{name: a, match: a.csv, family: age, semantics: melt}]",
		"gender mismatch": "sources: [{name: a, match: a.csv, family: age, semantics: gender_triple}]",
		"bad identity":    "sources: [{name: a, match: a.csv, family: age, identity: guess}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := source.ParseCatalogue([]byte(doc))
			assert.Error(t, err)
		})
	}
}
