package source

import (
	"fmt"
	"path"

	"github.com/kiel-opendata/district-import/internal/model"
)

// IdentityMode tells the registry how a source names its districts.
type IdentityMode string

const (
	// IdentityExplicit sources carry a Stadtteilnummer next to the name.
	IdentityExplicit IdentityMode = "explicit_id"
	// IdentityNameOnly sources only carry the district name.
	IdentityNameOnly IdentityMode = "name_only"
	// IdentityAuto is resolved from the header once the file is read.
	IdentityAuto IdentityMode = "auto"
)

func parseIdentity(s string) (IdentityMode, error) {
	switch IdentityMode(s) {
	case IdentityExplicit, IdentityNameOnly, IdentityAuto:
		return IdentityMode(s), nil
	case "":
		return IdentityAuto, nil
	}
	return "", fmt.Errorf("unknown identity mode %q", s)
}

// Semantics describes how the category columns of a source are laid out.
// It is one of GenderTriple, AgeBuckets or GenericPivot.
type Semantics interface {
	Kind() string
	isSemantics()
}

// GenderTriple sources hold one total/male/female observation per row.
type GenderTriple struct {
	Total  string
	Male   string
	Female string
}

func (GenderTriple) Kind() string { return "gender_triple" }
func (GenderTriple) isSemantics() {}

// AgeBuckets sources hold one column per fixed age bracket.
type AgeBuckets struct {
	Buckets []string
}

func (AgeBuckets) Kind() string { return "age_buckets" }
func (AgeBuckets) isSemantics() {}

// GenericPivot sources turn every non-metadata integer column into a
// category.
type GenericPivot struct {
	// Skip extends the metadata column set for this source.
	Skip []string
}

func (GenericPivot) Kind() string { return "generic_pivot" }
func (GenericPivot) isSemantics() {}

// DefaultGender is the column layout of the Kiel gender export.
var DefaultGender = GenderTriple{Total: "insgesamt", Male: "maennlich", Female: "weiblich"}

// DefaultAgeBuckets are the age bracket headers of the Kiel age export.
// The export writes one of them with a leading blank; matching trims.
var DefaultAgeBuckets = []string{
	"0 bis unter 3", "3 bis unter 6", " 6 bis unter 10", "10 bis unter 12",
	"12 bis unter 15", "15 bis unter 18", "18 bis unter 21", "21 bis unter 25",
	"25 bis unter 30", "30 bis unter 35", "35 bis unter 40", "40 bis unter 45",
	"45 bis unter 50", "50 bis unter 55", "55 bis unter 60", "60 bis unter 65",
	"65 bis unter 70", "70 bis unter 75", "75 bis unter 80", "80 und aelter",
}

// MetadataColumns are never pivoted into categories.
var MetadataColumns = []string{
	"Land", "Stadt", "Kategorie", "Merkmal", "Datum", "Jahr",
	"Stadtteilnummer", "Stadtteil", "Stadtteile", "lat", "lon",
}

// Descriptor is the static configuration of one source file.
type Descriptor struct {
	Name      string
	Match     string
	Identity  IdentityMode
	Semantics Semantics
	Family    model.Family
	// Label is the category written for gender observations.
	Label string
}

// Matches reports whether the file name matches the descriptor's glob.
func (d *Descriptor) Matches(file string) bool {
	ok, err := path.Match(d.Match, path.Base(file))
	return err == nil && ok
}

// Validate checks that the descriptor is complete.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor without name")
	}
	if _, err := path.Match(d.Match, ""); err != nil || d.Match == "" {
		return fmt.Errorf("descriptor %s: bad match pattern %q", d.Name, d.Match)
	}
	if d.Semantics == nil {
		return fmt.Errorf("descriptor %s: no semantics", d.Name)
	}
	if !d.Family.Valid() {
		return fmt.Errorf("descriptor %s: unknown family %q", d.Name, d.Family)
	}
	if _, ok := d.Semantics.(GenderTriple); ok && d.Family != model.FamilyGender {
		return fmt.Errorf("descriptor %s: gender_triple must load into the gender family", d.Name)
	}
	if d.Family == model.FamilyGender {
		if _, ok := d.Semantics.(GenderTriple); !ok {
			return fmt.Errorf("descriptor %s: gender family needs gender_triple semantics", d.Name)
		}
	}
	return nil
}
