package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/registry"
	"github.com/kiel-opendata/district-import/internal/source"
	"github.com/kiel-opendata/district-import/internal/transform"
)

// Run statuses recorded in import_runs.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Source failure stages.
const (
	StageRead      = "read"
	StageTransform = "transform"
	StageLoad      = "load"
)

// SourceSummary is the outcome of one source file.
type SourceSummary struct {
	Source     string                   `json:"source"`
	Descriptor string                   `json:"descriptor,omitempty"`
	Family     model.Family             `json:"family,omitempty"`
	Identity   source.IdentityMode      `json:"identity,omitempty"`
	Rows       int                      `json:"rows"`
	Discovered int                      `json:"discovered"`
	Facts      int                      `json:"facts"`
	Written    int                      `json:"written"`
	Rejected   map[transform.Reason]int `json:"rejected,omitempty"`
	Stage      string                   `json:"failed_stage,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Failed reports whether the source was skipped.
func (s SourceSummary) Failed() bool { return s.Error != "" }

// RejectedTotal counts rejected rows and facts, not single cells.
func (s SourceSummary) RejectedTotal() int {
	n := 0
	for r, c := range s.Rejected {
		if r != transform.ReasonCell {
			n += c
		}
	}
	return n
}

func (s *SourceSummary) addRejected(m map[transform.Reason]int) {
	for r, c := range m {
		if s.Rejected == nil {
			s.Rejected = make(map[transform.Reason]int)
		}
		s.Rejected[r] += c
	}
}

// FamilySummary aggregates the sources loaded into one fact table.
type FamilySummary struct {
	Sources  int `json:"sources"`
	Written  int `json:"written"`
	Rejected int `json:"rejected"`
}

// Summary is the report of one run. It is also stored as JSON in the run
// table.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"`
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`

	Discovered int                 `json:"districts_discovered"`
	Committed  int                 `json:"districts_committed"`
	Conflicts  []registry.Conflict `json:"conflicts,omitempty"`
	Sources    []SourceSummary     `json:"sources"`

	Families map[model.Family]*FamilySummary `json:"families"`
	Tables   map[string]int64                `json:"tables,omitempty"`
	Warnings []string                        `json:"warnings,omitempty"`
}

func newSummary(runID string, started time.Time) *Summary {
	return &Summary{
		RunID:     runID,
		StartedAt: started,
		State:     StateNotStarted,
		Families:  make(map[model.Family]*FamilySummary),
	}
}

func (s *Summary) family(f model.Family) *FamilySummary {
	fs, ok := s.Families[f]
	if !ok {
		fs = &FamilySummary{}
		s.Families[f] = fs
	}
	return fs
}

// FailedSources counts skipped sources.
func (s *Summary) FailedSources() int {
	n := 0
	for _, src := range s.Sources {
		if src.Failed() {
			n++
		}
	}
	return n
}

// RejectionRatio is rejected rows and facts over rows read, across the
// sources that were transformed.
func (s *Summary) RejectionRatio() float64 {
	var rows, rejected int
	for _, src := range s.Sources {
		if src.Descriptor == "" || src.Failed() {
			continue
		}
		rows += src.Rows
		rejected += src.RejectedTotal()
	}
	if rows == 0 {
		return 0
	}
	return float64(rejected) / float64(rows)
}

// Write renders the summary as a short header followed by a source table
// and a family table.
func (s *Summary) Write(w io.Writer) error {
	fmt.Fprintf(w, "%-10s %s\n", "run", s.RunID)
	fmt.Fprintf(w, "%-10s %s (%s)\n", "status", s.Status, s.State)
	if s.Error != "" {
		fmt.Fprintf(w, "%-10s %s\n", "error", s.Error)
	}
	fmt.Fprintf(w, "%-10s %s\n", "duration", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "%-10s %d committed / %d discovered, %d conflicts\n", "districts", s.Committed, s.Discovered, len(s.Conflicts))

	sources := tablewriter.NewTable(w)
	sources.Header("Source", "Family", "Rows", "Facts", "Written", "Rejected", "Note")
	for _, src := range s.Sources {
		note := ""
		switch {
		case src.Failed():
			note = src.Stage + ": " + src.Error
		case src.Descriptor == "":
			note = fmt.Sprintf("registry only, %d new districts", src.Discovered)
		default:
			note = reasons(src.Rejected)
		}
		err := sources.Append(src.Source, orDash(string(src.Family)), strconv.Itoa(src.Rows), strconv.Itoa(src.Facts),
			strconv.Itoa(src.Written), strconv.Itoa(src.RejectedTotal()), note)
		if err != nil {
			return err
		}
	}
	if err := sources.Render(); err != nil {
		return err
	}

	families := tablewriter.NewTable(w)
	families.Header("Family", "Table", "Sources", "Written", "Rejected", "Rows in table")
	for _, f := range model.Families {
		fs, ok := s.Families[f]
		if !ok {
			fs = &FamilySummary{}
		}
		err := families.Append(string(f), f.Table(), strconv.Itoa(fs.Sources), strconv.Itoa(fs.Written),
			strconv.Itoa(fs.Rejected), strconv.FormatInt(s.Tables[f.Table()], 10))
		if err != nil {
			return err
		}
	}
	if err := families.Render(); err != nil {
		return err
	}

	for _, warn := range s.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	return nil
}

func reasons(m map[transform.Reason]int) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for r := range m {
		keys = append(keys, string(r))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[transform.Reason(k)])
	}
	return strings.Join(parts, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runRecord(s *Summary, body []byte) model.RunRecord {
	return model.RunRecord{
		RunID:      s.RunID,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Status:     s.Status,
		Summary:    body,
	}
}
