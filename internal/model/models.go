package model

import (
	"fmt"
	"time"
)

// DateLayout is the canonical calendar-date encoding used in the store.
const DateLayout = "2006-01-02"

// District is one Stadtteil in the registry. It is not mutated after the
// registry is committed; coordinates are only enriched by the separate
// coordinates pass.
type District struct {
	ID        int64    `json:"district_id"`
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether both coordinates are set.
func (d District) HasCoordinates() bool {
	return d.Latitude != nil && d.Longitude != nil
}

// GenderBreakdown is the composite payload of a gender observation. The
// total lives in Fact.Count.
type GenderBreakdown struct {
	Male   int64 `json:"male"`
	Female int64 `json:"female"`
}

// Fact is one long-format observation: a count for one district, one
// date and one category.
type Fact struct {
	DistrictID int64            `json:"district_id"`
	Date       time.Time        `json:"observation_date"`
	Category   string           `json:"category"`
	Count      int64            `json:"count"`
	Gender     *GenderBreakdown `json:"gender,omitempty"`
}

// Key returns the uniqueness triple of the fact.
func (f Fact) Key() FactKey {
	return FactKey{DistrictID: f.DistrictID, Date: f.Date.Format(DateLayout), Category: f.Category}
}

// FactKey is the (district_id, observation_date, category) triple.
type FactKey struct {
	DistrictID int64
	Date       string
	Category   string
}

func (k FactKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.DistrictID, k.Date, k.Category)
}

// Family identifies a fact table.
type Family string

const (
	FamilyGender       Family = "gender"
	FamilyAge          Family = "age"
	FamilyReligion     Family = "religion"
	FamilyFamilyStatus Family = "family_status"
	FamilyNationality  Family = "nationality"
	FamilyHousehold    Family = "household"
)

// Families lists every fact family in schema order.
var Families = []Family{
	FamilyGender,
	FamilyAge,
	FamilyReligion,
	FamilyFamilyStatus,
	FamilyNationality,
	FamilyHousehold,
}

var familyTables = map[Family]string{
	FamilyGender:       "population_by_gender",
	FamilyAge:          "population_by_age",
	FamilyReligion:     "population_by_religion",
	FamilyFamilyStatus: "population_by_family_status",
	FamilyNationality:  "foreigners_by_nationality",
	FamilyHousehold:    "households",
}

// DistrictsTable is the entity table name.
const DistrictsTable = "districts"

// RunsTable keeps one audit row per import run. It survives schema resets.
const RunsTable = "import_runs"

// Table returns the fact table of the family.
func (f Family) Table() string {
	return familyTables[f]
}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	_, ok := familyTables[f]
	return ok
}

// ParseFamily maps a configuration value onto a Family.
func ParseFamily(s string) (Family, error) {
	f := Family(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown fact family %q", s)
	}
	return f, nil
}

// Coordinate is one enrichment entry keyed by district id.
type Coordinate struct {
	DistrictID int64   `yaml:"district_id" json:"district_id"`
	Name       string  `yaml:"name,omitempty" json:"name,omitempty"`
	Latitude   float64 `yaml:"lat" json:"latitude"`
	Longitude  float64 `yaml:"lon" json:"longitude"`
}

// RunRecord is the audit entry written at the end of an import.
type RunRecord struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Summary    []byte
}
