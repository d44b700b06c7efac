// Package coords enriches committed districts with centre coordinates and
// exports the district list.
package coords

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"

	"github.com/kiel-opendata/district-import/internal/model"
)

// Store is the part of the store the coordinates pass needs.
type Store interface {
	Districts(ctx context.Context) ([]model.District, error)
	SetCoordinates(ctx context.Context, c model.Coordinate) (bool, error)
}

// Result reports one Apply call.
type Result struct {
	Updated []int64
	// Missing are stored districts the table has no entry for.
	Missing []model.District
	// Unknown are table entries without a stored district.
	Unknown []int64
}

// Apply writes the table's coordinates onto the stored districts, keyed by
// district id. Applying the same table twice changes nothing.
func Apply(ctx context.Context, st Store, table []model.Coordinate, log logrus.FieldLogger) (Result, error) {
	var res Result
	byID, err := index(table)
	if err != nil {
		return res, err
	}

	districts, err := st.Districts(ctx)
	if err != nil {
		return res, err
	}
	stored := make(map[int64]bool, len(districts))
	for _, d := range districts {
		stored[d.ID] = true
		c, ok := byID[d.ID]
		if !ok {
			res.Missing = append(res.Missing, d)
			log.WithFields(logrus.Fields{"district_id": d.ID, "name": d.Name}).Warn("no coordinates for district")
			continue
		}
		if _, err := st.SetCoordinates(ctx, c); err != nil {
			return res, err
		}
		res.Updated = append(res.Updated, d.ID)
		if c.Name != "" && c.Name != d.Name {
			log.WithFields(logrus.Fields{
				"district_id": d.ID,
				"name":        d.Name,
				"table_name":  c.Name,
			}).Warn("coordinate entry names a different district")
		}
	}
	for _, c := range table {
		if !stored[c.DistrictID] {
			res.Unknown = append(res.Unknown, c.DistrictID)
		}
	}

	log.WithFields(logrus.Fields{
		"updated": len(res.Updated),
		"missing": len(res.Missing),
		"unknown": len(res.Unknown),
	}).Info("coordinates applied")
	return res, nil
}

func index(table []model.Coordinate) (map[int64]model.Coordinate, error) {
	out := make(map[int64]model.Coordinate, len(table))
	for _, c := range table {
		if c.DistrictID <= 0 {
			return nil, fmt.Errorf("coordinate entry with district id %d", c.DistrictID)
		}
		if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
			return nil, fmt.Errorf("district %d: coordinates (%v, %v) out of range", c.DistrictID, c.Latitude, c.Longitude)
		}
		if _, dup := out[c.DistrictID]; dup {
			return nil, fmt.Errorf("district %d listed twice", c.DistrictID)
		}
		out[c.DistrictID] = c
	}
	return out, nil
}

// LoadTable reads a YAML list of coordinates.
func LoadTable(path string) ([]model.Coordinate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTable(data)
}

// ParseTable decodes a YAML list of coordinates such as
//
//	- district_id: 1
//	  name: Altstadt
//	  lat: 54.3233
//	  lon: 10.1394
func ParseTable(data []byte) ([]model.Coordinate, error) {
	var table []model.Coordinate
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse coordinates: %w", err)
	}
	if _, err := index(table); err != nil {
		return nil, err
	}
	return table, nil
}

// ExportHeader is the header row written by Export.
var ExportHeader = []string{"Stadtteilnummer", "Stadtteil", "Latitude", "Longitude"}

// Export writes the districts as a semicolon-delimited file. Missing
// coordinates are left empty.
func Export(w io.Writer, districts []model.District) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.Write(ExportHeader); err != nil {
		return err
	}
	for _, d := range districts {
		lat, lon := "", ""
		if d.HasCoordinates() {
			lat = strconv.FormatFloat(*d.Latitude, 'f', -1, 64)
			lon = strconv.FormatFloat(*d.Longitude, 'f', -1, 64)
		}
		if err := cw.Write([]string{strconv.FormatInt(d.ID, 10), d.Name, lat, lon}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
