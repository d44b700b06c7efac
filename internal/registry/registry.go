// Package registry discovers the districts named across all sources and
// assigns each one a stable id.
//
// Building happens in two passes over the tables in listing order. The
// first pass takes districts from sources that carry an explicit
// Stadtteilnummer. The second pass gives every name that is still unknown
// the next free id after the largest explicit one. The result is a Draft;
// once the loader has committed it, Freeze turns it into an immutable
// Registry that the transformer resolves ids against.
package registry

import (
	"errors"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/kiel-opendata/district-import/internal/model"
)

// ErrIdentityConflict marks rows that claim an id or name already bound
// to something else.
var ErrIdentityConflict = errors.New("district identity conflict")

// CanonicalName trims a district name and puts it in Unicode NFC, so that
// names exported with decomposed umlauts compare equal.
func CanonicalName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Conflict records a rejected row. First-seen wins.
type Conflict struct {
	Source string `json:"source"`
	// Row is the file line of the rejected row.
	Row  int    `json:"row"`
	ID   int64  `json:"district_id"`
	Name string `json:"name"`
	// ExistingID and ExistingName describe the binding that won.
	ExistingID   int64  `json:"existing_id"`
	ExistingName string `json:"existing_name"`
}

// Registry is the frozen district snapshot handed to the transformer.
type Registry struct {
	byName    map[string]int64
	districts map[int64]model.District
	valid     map[int64]struct{}
}

// Lookup resolves a district name. The name is canonicalized first.
func (r *Registry) Lookup(name string) (int64, bool) {
	id, ok := r.byName[CanonicalName(name)]
	return id, ok
}

// NameOf returns the canonical name registered for an id.
func (r *Registry) NameOf(id int64) (string, bool) {
	d, ok := r.districts[id]
	return d.Name, ok
}

// Valid reports whether id was committed to the store and may be
// referenced by facts.
func (r *Registry) Valid(id int64) bool {
	_, ok := r.valid[id]
	return ok
}

// Len returns the number of valid districts.
func (r *Registry) Len() int { return len(r.valid) }

// Districts returns the committed districts ordered by id.
func (r *Registry) Districts() []model.District {
	out := make([]model.District, 0, len(r.valid))
	for id := range r.valid {
		out = append(out, r.districts[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
