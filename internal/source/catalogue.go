package source

import (
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/goccy/go-yaml"

	"github.com/kiel-opendata/district-import/internal/model"
)

// Columns lists the accepted header spellings per role, in preference order.
type Columns struct {
	Name []string `yaml:"name"`
	ID   []string `yaml:"id"`
	Date []string `yaml:"date"`
	Year []string `yaml:"year"`
	Lat  []string `yaml:"lat"`
	Lon  []string `yaml:"lon"`
}

// DefaultColumns matches the Kiel open data exports.
var DefaultColumns = Columns{
	Name: []string{"Stadtteil", "Stadtteile"},
	ID:   []string{"Stadtteilnummer"},
	Date: []string{"Datum"},
	Year: []string{"Jahr"},
	Lat:  []string{"lat"},
	Lon:  []string{"lon"},
}

// Catalogue is the set of known sources plus the shared reader settings.
type Catalogue struct {
	Delimiter rune
	Columns   Columns
	Sources   []*Descriptor
}

// Lookup returns the first descriptor matching the file name.
func (c *Catalogue) Lookup(file string) (*Descriptor, bool) {
	for _, d := range c.Sources {
		if d.Matches(file) {
			return d, true
		}
	}
	return nil, false
}

// DefaultCatalogue describes the six Kiel Stadtteil exports.
func DefaultCatalogue() *Catalogue {
	return &Catalogue{
		Delimiter: ';',
		Columns:   DefaultColumns,
		Sources: []*Descriptor{
			{
				Name:      "gender",
				Match:     "kiel_bevoelkerung_stadtteile_einwohner_geschlecht*.csv",
				Identity:  IdentityExplicit,
				Semantics: DefaultGender,
				Family:    model.FamilyGender,
				Label:     "insgesamt",
			},
			{
				Name:      "age",
				Match:     "kiel_bevoelkerung_altersgruppen_stadtteile*.csv",
				Identity:  IdentityExplicit,
				Semantics: AgeBuckets{Buckets: DefaultAgeBuckets},
				Family:    model.FamilyAge,
			},
			{
				Name:      "religion",
				Match:     "kiel_bevoelkerung_einwohner_nach_religionszugehoerigkeit*.csv",
				Identity:  IdentityAuto,
				Semantics: GenericPivot{},
				Family:    model.FamilyReligion,
			},
			{
				Name:      "family_status",
				Match:     "kiel_bevoelkerung_einwohner_nach_familienstand*.csv",
				Identity:  IdentityAuto,
				Semantics: GenericPivot{},
				Family:    model.FamilyFamilyStatus,
			},
			{
				Name:      "nationality",
				Match:     "kiel_bevoelkerung_auslaender_nach_ausgesuchten_nationalitaeten*.csv",
				Identity:  IdentityAuto,
				Semantics: GenericPivot{},
				Family:    model.FamilyNationality,
			},
			{
				Name:      "households",
				Match:     "kiel_bevoelkerung_haushalte_nach_haushaltstypen*.csv",
				Identity:  IdentityAuto,
				Semantics: GenericPivot{},
				Family:    model.FamilyHousehold,
			},
		},
	}
}

type catalogueFile struct {
	Delimiter string           `yaml:"delimiter"`
	Columns   *Columns         `yaml:"columns"`
	Sources   []descriptorFile `yaml:"sources"`
}

type descriptorFile struct {
	Name      string   `yaml:"name"`
	Match     string   `yaml:"match"`
	Identity  string   `yaml:"identity"`
	Semantics string   `yaml:"semantics"`
	Family    string   `yaml:"family"`
	Label     string   `yaml:"label"`
	Buckets   []string `yaml:"buckets"`
	Skip      []string `yaml:"skip"`
	Gender    *struct {
		Total  string `yaml:"total"`
		Male   string `yaml:"male"`
		Female string `yaml:"female"`
	} `yaml:"gender"`
}

// LoadCatalogue reads a YAML catalogue. Omitted columns and delimiter fall
// back to the defaults.
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue decodes a YAML catalogue document.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var raw catalogueFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode catalogue: %w", err)
	}

	cat := &Catalogue{Delimiter: ';', Columns: DefaultColumns}
	if raw.Delimiter != "" {
		r, size := utf8.DecodeRuneInString(raw.Delimiter)
		if size != len(raw.Delimiter) {
			return nil, fmt.Errorf("delimiter must be a single character, got %q", raw.Delimiter)
		}
		cat.Delimiter = r
	}
	if raw.Columns != nil {
		cat.Columns = mergeColumns(*raw.Columns)
	}
	if len(raw.Sources) == 0 {
		return nil, fmt.Errorf("catalogue has no sources")
	}

	for _, s := range raw.Sources {
		d, err := s.descriptor()
		if err != nil {
			return nil, err
		}
		cat.Sources = append(cat.Sources, d)
	}
	return cat, nil
}

func (s descriptorFile) descriptor() (*Descriptor, error) {
	identity, err := parseIdentity(s.Identity)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", s.Name, err)
	}
	family, err := model.ParseFamily(s.Family)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", s.Name, err)
	}

	d := &Descriptor{
		Name:     s.Name,
		Match:    s.Match,
		Identity: identity,
		Family:   family,
		Label:    s.Label,
	}
	switch s.Semantics {
	case "gender_triple":
		g := DefaultGender
		if s.Gender != nil {
			g = GenderTriple{Total: s.Gender.Total, Male: s.Gender.Male, Female: s.Gender.Female}
		}
		d.Semantics = g
		if d.Label == "" {
			d.Label = g.Total
		}
	case "age_buckets":
		buckets := s.Buckets
		if len(buckets) == 0 {
			buckets = DefaultAgeBuckets
		}
		d.Semantics = AgeBuckets{Buckets: buckets}
	case "generic_pivot", "":
		d.Semantics = GenericPivot{Skip: s.Skip}
	default:
		return nil, fmt.Errorf("source %s: unknown semantics %q", s.Name, s.Semantics)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func mergeColumns(c Columns) Columns {
	out := DefaultColumns
	if len(c.Name) > 0 {
		out.Name = c.Name
	}
	if len(c.ID) > 0 {
		out.ID = c.ID
	}
	if len(c.Date) > 0 {
		out.Date = c.Date
	}
	if len(c.Year) > 0 {
		out.Year = c.Year
	}
	if len(c.Lat) > 0 {
		out.Lat = c.Lat
	}
	if len(c.Lon) > 0 {
		out.Lon = c.Lon
	}
	return out
}
