// Package transform turns wide source rows into long-format facts.
package transform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kiel-opendata/district-import/internal/dates"
	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/registry"
	"github.com/kiel-opendata/district-import/internal/source"
)

// ErrRegistryMiss means a name-only row names a district the registry
// never saw. The registry is built from the same tables, so this is a bug
// rather than bad data.
var ErrRegistryMiss = errors.New("district name missing from registry")

// Reason classifies a rejected row or cell.
type Reason string

const (
	ReasonID           Reason = "id"
	ReasonName         Reason = "name"
	ReasonUnregistered Reason = "unregistered"
	ReasonConflict     Reason = "conflict"
	ReasonDate         Reason = "date"
	ReasonValue        Reason = "value"
	// ReasonCell counts single age bracket cells that were not integers;
	// the rest of the row is kept.
	ReasonCell Reason = "cell"
)

// Stats counts the outcome of transforming one table.
type Stats struct {
	Rows     int
	Facts    int
	Rejected map[Reason]int
}

func (s *Stats) reject(r Reason) {
	if s.Rejected == nil {
		s.Rejected = make(map[Reason]int)
	}
	s.Rejected[r]++
}

// RejectedRows sums the rejections that dropped a whole row.
func (s Stats) RejectedRows() int {
	n := 0
	for r, c := range s.Rejected {
		if r != ReasonCell {
			n += c
		}
	}
	return n
}

// Transformer resolves ids against a frozen registry.
type Transformer struct {
	reg *registry.Registry
}

// New returns a Transformer bound to reg.
func New(reg *registry.Registry) *Transformer {
	return &Transformer{reg: reg}
}

// Table transforms every row of a bound table. It stops with
// ErrRegistryMiss when a name-only row cannot be resolved.
func (t *Transformer) Table(tbl *source.Table) ([]model.Fact, Stats, error) {
	var stats Stats
	if tbl.Descriptor == nil {
		return nil, stats, fmt.Errorf("%s: no source descriptor", tbl.Source)
	}
	if err := tbl.CheckLayout(); err != nil {
		return nil, stats, err
	}

	skip := pivotSkip(tbl)
	var facts []model.Fact
	for i, row := range tbl.Rows {
		stats.Rows++
		out, reason, err := t.row(tbl, row, skip, &stats)
		if err != nil {
			return nil, stats, fmt.Errorf("%s line %d: %w", tbl.Source, tbl.Line(i), err)
		}
		if reason != "" {
			stats.reject(reason)
			continue
		}
		facts = append(facts, out...)
	}
	stats.Facts = len(facts)
	return facts, stats, nil
}

// Row transforms a single row. A non-empty reason means the row was
// rejected.
func (t *Transformer) Row(tbl *source.Table, row []string) ([]model.Fact, Reason, error) {
	var stats Stats
	return t.row(tbl, row, pivotSkip(tbl), &stats)
}

func (t *Transformer) row(tbl *source.Table, row []string, skip map[int]bool, stats *Stats) ([]model.Fact, Reason, error) {
	id, reason, err := t.district(tbl, row)
	if err != nil || reason != "" {
		return nil, reason, err
	}

	date, err := dates.Normalize(field(tbl, row, tbl.Layout.Date), field(tbl, row, tbl.Layout.Year))
	if err != nil {
		return nil, ReasonDate, nil
	}

	switch sem := tbl.Descriptor.Semantics.(type) {
	case source.GenderTriple:
		return genderFact(tbl, row, sem, id, date)
	case source.AgeBuckets:
		return ageFacts(tbl, row, sem, id, date, stats), "", nil
	case source.GenericPivot:
		return pivotFacts(tbl, row, skip, id, date), "", nil
	}
	return nil, "", fmt.Errorf("unsupported semantics %T", tbl.Descriptor.Semantics)
}

func (t *Transformer) district(tbl *source.Table, row []string) (int64, Reason, error) {
	rawName, _ := tbl.Cell(row, tbl.Layout.Name)
	name := registry.CanonicalName(rawName)

	switch tbl.Identity {
	case source.IdentityExplicit:
		raw, _ := tbl.Cell(row, tbl.Layout.ID)
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || id <= 0 {
			return 0, ReasonID, nil
		}
		if !t.reg.Valid(id) {
			return 0, ReasonUnregistered, nil
		}
		if registered, _ := t.reg.NameOf(id); name != "" && name != registered {
			return 0, ReasonConflict, nil
		}
		return id, "", nil
	case source.IdentityNameOnly:
		if name == "" {
			return 0, ReasonName, nil
		}
		id, ok := t.reg.Lookup(name)
		if !ok {
			return 0, "", fmt.Errorf("%w: %q", ErrRegistryMiss, name)
		}
		if !t.reg.Valid(id) {
			return 0, ReasonUnregistered, nil
		}
		return id, "", nil
	}
	return 0, "", fmt.Errorf("unresolved identity mode %q", tbl.Identity)
}

func field(tbl *source.Table, row []string, idx int) dates.Field {
	v, ok := tbl.Cell(row, idx)
	return dates.Field{Value: v, Present: ok}
}

func count(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
