package registry

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/source"
)

// SourceStats counts what the registry took from one source.
type SourceStats struct {
	Source     string
	Identity   source.IdentityMode
	Rows       int
	Discovered int
	Rejected   int
}

// Draft is the registry before it has been committed.
type Draft struct {
	districts []model.District
	byName    map[string]int64
	byID      map[int64]int

	Conflicts []Conflict
	Stats     []SourceStats
}

func newDraft() *Draft {
	return &Draft{
		byName: make(map[string]int64),
		byID:   make(map[int64]int),
	}
}

// Districts returns the discovered districts ordered by id.
func (d *Draft) Districts() []model.District {
	out := make([]model.District, len(d.districts))
	copy(out, d.districts)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of discovered districts.
func (d *Draft) Len() int { return len(d.districts) }

// Freeze builds the immutable registry. Only ids in committed are valid.
func (d *Draft) Freeze(committed []int64) *Registry {
	r := &Registry{
		byName:    make(map[string]int64, len(d.byName)),
		districts: make(map[int64]model.District, len(d.districts)),
		valid:     make(map[int64]struct{}, len(committed)),
	}
	for name, id := range d.byName {
		r.byName[name] = id
	}
	for _, dist := range d.districts {
		r.districts[dist.ID] = dist
	}
	for _, id := range committed {
		if _, ok := r.districts[id]; ok {
			r.valid[id] = struct{}{}
		}
	}
	return r
}

// Builder runs the two discovery passes.
type Builder struct {
	log logrus.FieldLogger
}

// NewBuilder returns a Builder that reports conflicts to log.
func NewBuilder(log logrus.FieldLogger) *Builder {
	return &Builder{log: log}
}

// Build scans the tables in the given order. Tables whose identity mode
// could not be resolved are ignored.
func (b *Builder) Build(tables []*source.Table) *Draft {
	d := newDraft()
	d.Stats = make([]SourceStats, len(tables))
	for i, t := range tables {
		d.Stats[i] = SourceStats{Source: t.Source, Identity: t.Identity}
	}

	for i, t := range tables {
		if t.Identity == source.IdentityExplicit {
			b.explicitPass(d, t, &d.Stats[i])
		}
	}

	var next int64 = 1
	for _, dist := range d.districts {
		if dist.ID >= next {
			next = dist.ID + 1
		}
	}
	for i, t := range tables {
		if t.Identity == source.IdentityNameOnly {
			next = b.namePass(d, t, &d.Stats[i], next)
		}
	}
	return d
}

func (b *Builder) explicitPass(d *Draft, t *source.Table, s *SourceStats) {
	for i, row := range t.Rows {
		s.Rows++
		line := t.Line(i)

		rawID, _ := t.Cell(row, t.Layout.ID)
		id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
		if err != nil || id <= 0 {
			s.Rejected++
			continue
		}
		rawName, _ := t.Cell(row, t.Layout.Name)
		name := CanonicalName(rawName)
		if name == "" {
			s.Rejected++
			continue
		}
		lat, lon := coordinates(t, row)

		if idx, ok := d.byID[id]; ok {
			existing := &d.districts[idx]
			if existing.Name != name {
				b.conflict(d, s, Conflict{Source: t.Source, Row: line, ID: id, Name: name, ExistingID: id, ExistingName: existing.Name})
				continue
			}
			if existing.Latitude == nil && existing.Longitude == nil && lat != nil && lon != nil {
				existing.Latitude, existing.Longitude = lat, lon
			}
			continue
		}
		if other, ok := d.byName[name]; ok {
			b.conflict(d, s, Conflict{Source: t.Source, Row: line, ID: id, Name: name, ExistingID: other, ExistingName: name})
			continue
		}
		d.add(model.District{ID: id, Name: name, Latitude: lat, Longitude: lon})
		s.Discovered++
	}
}

func (b *Builder) namePass(d *Draft, t *source.Table, s *SourceStats, next int64) int64 {
	for _, row := range t.Rows {
		s.Rows++
		rawName, _ := t.Cell(row, t.Layout.Name)
		name := CanonicalName(rawName)
		if name == "" {
			s.Rejected++
			continue
		}
		if _, ok := d.byName[name]; ok {
			continue
		}
		lat, lon := coordinates(t, row)
		d.add(model.District{ID: next, Name: name, Latitude: lat, Longitude: lon})
		s.Discovered++
		next++
	}
	return next
}

func (d *Draft) add(dist model.District) {
	d.byID[dist.ID] = len(d.districts)
	d.byName[dist.Name] = dist.ID
	d.districts = append(d.districts, dist)
}

func (b *Builder) conflict(d *Draft, s *SourceStats, c Conflict) {
	s.Rejected++
	d.Conflicts = append(d.Conflicts, c)
	b.log.WithFields(logrus.Fields{
		"source":        c.Source,
		"row":           c.Row,
		"district_id":   c.ID,
		"name":          c.Name,
		"existing_id":   c.ExistingID,
		"existing_name": c.ExistingName,
	}).Warn("district identity conflict, keeping first binding")
}

// coordinates returns both coordinates or neither.
func coordinates(t *source.Table, row []string) (*float64, *float64) {
	lat, ok1 := parseCoordinate(t, row, t.Layout.Lat)
	lon, ok2 := parseCoordinate(t, row, t.Layout.Lon)
	if !ok1 || !ok2 {
		return nil, nil
	}
	return &lat, &lon
}

func parseCoordinate(t *source.Table, row []string, idx int) (float64, bool) {
	raw, ok := t.Cell(row, idx)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return 0, false
	}
	if !strings.Contains(raw, ".") {
		raw = strings.Replace(raw, ",", ".", 1)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
