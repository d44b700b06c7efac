package source

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var (
	// ErrMissingHeader is returned for files without a header row.
	ErrMissingHeader = errors.New("missing header row")
	// ErrLayout is returned when a header lacks the columns a source needs.
	ErrLayout = errors.New("unexpected column layout")
)

// Header indexes a header row by exact spelling and by trimmed spelling.
type Header struct {
	names   []string
	exact   map[string]int
	trimmed map[string]int
}

// NewHeader builds a Header. The first occurrence of a duplicate wins.
func NewHeader(names []string) Header {
	h := Header{
		names:   names,
		exact:   make(map[string]int, len(names)),
		trimmed: make(map[string]int, len(names)),
	}
	for i, n := range names {
		if _, ok := h.exact[n]; !ok {
			h.exact[n] = i
		}
		t := strings.TrimSpace(n)
		if _, ok := h.trimmed[t]; !ok {
			h.trimmed[t] = i
		}
	}
	return h
}

// Names returns the header cells in file order.
func (h Header) Names() []string { return h.names }

// Index returns the position of an exact header spelling.
func (h Header) Index(name string) (int, bool) {
	i, ok := h.exact[name]
	return i, ok
}

// Resolve returns the first alternate present in the header, or -1.
func (h Header) Resolve(alternates []string) int {
	for _, a := range alternates {
		if i, ok := h.exact[a]; ok {
			return i
		}
	}
	return -1
}

// IndexTrimmed looks a label up ignoring surrounding whitespace on both
// sides.
func (h Header) IndexTrimmed(label string) (int, bool) {
	i, ok := h.trimmed[strings.TrimSpace(label)]
	return i, ok
}

// Layout holds the resolved positions of the well-known columns; -1 means
// absent.
type Layout struct {
	Name int
	ID   int
	Date int
	Year int
	Lat  int
	Lon  int
}

// Table is one fully read source file.
type Table struct {
	Source     string
	Descriptor *Descriptor
	Identity   IdentityMode
	Header     Header
	Layout     Layout
	Rows       [][]string
	// Lines holds the file line each row starts on.
	Lines []int
}

// Line returns the file line of row i. Tables built without line
// information count the header as line 1 and one line per row.
func (t *Table) Line(i int) int {
	if i < len(t.Lines) {
		return t.Lines[i]
	}
	return i + 2
}

// Cell returns the raw value at idx, and false when the column is absent
// from the header or the row is short.
func (t *Table) Cell(row []string, idx int) (string, bool) {
	if idx < 0 || idx >= len(row) {
		return "", false
	}
	return row[idx], true
}

// Read parses a delimited file. Input that is not valid UTF-8 is decoded
// as Windows-1252 and a leading byte order mark is dropped.
func Read(name string, r io.Reader, delimiter rune, cols Columns) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if !utf8.Valid(data) {
		data, err = charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: header: %w", name, err)
	}
	if len(header) == 1 && strings.TrimSpace(header[0]) == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingHeader)
	}

	t := &Table{Source: name, Header: NewHeader(header)}
	t.Layout = Layout{
		Name: t.Header.Resolve(cols.Name),
		ID:   t.Header.Resolve(cols.ID),
		Date: t.Header.Resolve(cols.Date),
		Year: t.Header.Resolve(cols.Year),
		Lat:  t.Header.Resolve(cols.Lat),
		Lon:  t.Header.Resolve(cols.Lon),
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if blankRecord(rec) {
			continue
		}
		line, _ := cr.FieldPos(0)
		t.Rows = append(t.Rows, rec)
		t.Lines = append(t.Lines, line)
	}
	return t, nil
}

func blankRecord(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Bind attaches a descriptor and resolves the identity mode. A nil
// descriptor leaves the table usable for registry discovery only.
func (t *Table) Bind(d *Descriptor) {
	t.Descriptor = d
	mode := IdentityAuto
	if d != nil {
		mode = d.Identity
	}
	if mode == IdentityAuto {
		switch {
		case t.Layout.ID >= 0:
			mode = IdentityExplicit
		case t.Layout.Name >= 0:
			mode = IdentityNameOnly
		default:
			mode = ""
		}
	}
	t.Identity = mode
}

// CheckLayout verifies that the table has the identity, date and category
// columns its descriptor relies on.
func (t *Table) CheckLayout() error {
	switch t.Identity {
	case IdentityExplicit:
		if t.Layout.ID < 0 {
			return fmt.Errorf("%s: %w: no district id column", t.Source, ErrLayout)
		}
	case IdentityNameOnly:
		if t.Layout.Name < 0 {
			return fmt.Errorf("%s: %w: no district name column", t.Source, ErrLayout)
		}
	default:
		return fmt.Errorf("%s: %w: no district column", t.Source, ErrLayout)
	}
	if t.Layout.Date < 0 && t.Layout.Year < 0 {
		return fmt.Errorf("%s: %w: no date or year column", t.Source, ErrLayout)
	}
	if t.Descriptor == nil {
		return nil
	}
	switch s := t.Descriptor.Semantics.(type) {
	case GenderTriple:
		for _, c := range []string{s.Total, s.Male, s.Female} {
			if _, ok := t.Header.Index(c); !ok {
				return fmt.Errorf("%s: %w: missing column %q", t.Source, ErrLayout, c)
			}
		}
	case AgeBuckets:
		for _, b := range s.Buckets {
			if _, ok := t.Header.IndexTrimmed(b); ok {
				return nil
			}
		}
		return fmt.Errorf("%s: %w: no age bracket columns", t.Source, ErrLayout)
	}
	return nil
}
