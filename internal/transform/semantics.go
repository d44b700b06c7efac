package transform

import (
	"strings"
	"time"

	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/source"
)

// genderFact emits a single fact: the three counts describe one
// observation, so they are not pivoted.
func genderFact(tbl *source.Table, row []string, sem source.GenderTriple, id int64, date time.Time) ([]model.Fact, Reason, error) {
	var vals [3]int64
	for i, col := range []string{sem.Total, sem.Male, sem.Female} {
		idx, ok := tbl.Header.Index(col)
		if !ok {
			return nil, ReasonValue, nil
		}
		raw, _ := tbl.Cell(row, idx)
		v, ok := count(raw)
		if !ok {
			return nil, ReasonValue, nil
		}
		vals[i] = v
	}

	label := tbl.Descriptor.Label
	if label == "" {
		label = sem.Total
	}
	return []model.Fact{{
		DistrictID: id,
		Date:       date,
		Category:   label,
		Count:      vals[0],
		Gender:     &model.GenderBreakdown{Male: vals[1], Female: vals[2]},
	}}, "", nil
}

func ageFacts(tbl *source.Table, row []string, sem source.AgeBuckets, id int64, date time.Time, stats *Stats) []model.Fact {
	var out []model.Fact
	for _, bucket := range sem.Buckets {
		idx, ok := tbl.Header.IndexTrimmed(bucket)
		if !ok {
			continue
		}
		raw, _ := tbl.Cell(row, idx)
		if strings.TrimSpace(raw) == "" {
			continue
		}
		v, ok := count(raw)
		if !ok {
			stats.reject(ReasonCell)
			continue
		}
		out = append(out, model.Fact{
			DistrictID: id,
			Date:       date,
			Category:   strings.TrimSpace(bucket),
			Count:      v,
		})
	}
	return out
}

func pivotFacts(tbl *source.Table, row []string, skip map[int]bool, id int64, date time.Time) []model.Fact {
	var out []model.Fact
	for i, header := range tbl.Header.Names() {
		if skip[i] {
			continue
		}
		raw, _ := tbl.Cell(row, i)
		v, ok := count(raw)
		if !ok {
			continue
		}
		out = append(out, model.Fact{
			DistrictID: id,
			Date:       date,
			Category:   header,
			Count:      v,
		})
	}
	return out
}

// pivotSkip marks metadata columns: the fixed set, the source's own skip
// list and whatever header the layout resolved for id, name, date and
// coordinates.
func pivotSkip(tbl *source.Table) map[int]bool {
	skip := make(map[int]bool)
	names := map[string]bool{}
	for _, n := range source.MetadataColumns {
		names[n] = true
	}
	if tbl.Descriptor != nil {
		if p, ok := tbl.Descriptor.Semantics.(source.GenericPivot); ok {
			for _, n := range p.Skip {
				names[n] = true
			}
		}
	}
	for i, h := range tbl.Header.Names() {
		if names[h] || strings.TrimSpace(h) == "" {
			skip[i] = true
		}
	}
	l := tbl.Layout
	for _, i := range []int{l.Name, l.ID, l.Date, l.Year, l.Lat, l.Lon} {
		if i >= 0 {
			skip[i] = true
		}
	}
	return skip
}
