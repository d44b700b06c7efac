// Package pipeline runs one import end to end: connect, reset the schema,
// read the sources, build and commit the registry, transform and load
// every source, verify.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kiel-opendata/district-import/internal/loader"
	"github.com/kiel-opendata/district-import/internal/logging"
	"github.com/kiel-opendata/district-import/internal/metrics"
	"github.com/kiel-opendata/district-import/internal/registry"
	"github.com/kiel-opendata/district-import/internal/source"
	"github.com/kiel-opendata/district-import/internal/store"
	"github.com/kiel-opendata/district-import/internal/transform"
)

// ErrRejectThreshold is returned when the share of rejected rows exceeds
// Options.RejectThreshold.
var ErrRejectThreshold = errors.New("rejection ratio above threshold")

// State is the orchestrator's position in a run.
type State string

const (
	StateNotStarted      State = "NotStarted"
	StateConnecting      State = "Connecting"
	StateSchemaReady     State = "SchemaReady"
	StateRegistryBuilt   State = "RegistryBuilt"
	StatePerSourceImport State = "PerSourceImport"
	StateVerified        State = "Verified"
	StateDone            State = "Done"
	StateFailed          State = "Failed"
)

// Options wires a pipeline.
type Options struct {
	Fetcher   source.Fetcher
	Catalogue *source.Catalogue
	Open      Opener
	Backoff   Backoff

	ReadConcurrency int
	Load            loader.Options

	// RejectThreshold fails the run when the rejection ratio is above it.
	// 0 fails on any rejection, 1 disables the check.
	RejectThreshold float64
	// IdentityConflictsFatal fails the run on any registry conflict.
	IdentityConflictsFatal bool
	// LockKey, when non-zero, is held as a run lock by stores that
	// support it.
	LockKey int64

	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Pipeline runs imports. A Pipeline is meant for one Run.
type Pipeline struct {
	opts Options
	log  logrus.FieldLogger
	m    *metrics.Metrics
	now  func() time.Time

	mu     sync.Mutex
	state  State
	source int
}

// New returns a pipeline in NotStarted.
func New(opts Options) *Pipeline {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Catalogue == nil {
		opts.Catalogue = source.DefaultCatalogue()
	}
	return &Pipeline{
		opts:  opts,
		log:   opts.Log,
		m:     opts.Metrics,
		now:   time.Now,
		state: StateNotStarted,
	}
}

// State returns the current state and, during PerSourceImport, the index
// of the source being imported.
func (p *Pipeline) State() (State, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.source
}

func (p *Pipeline) enter(s State, sourceIdx int) {
	p.mu.Lock()
	p.state, p.source = s, sourceIdx
	p.mu.Unlock()
	if s == StatePerSourceImport {
		logging.LogState(p.log, fmt.Sprintf("%s(%d)", s, sourceIdx))
		return
	}
	logging.LogState(p.log, string(s))
}

// Run executes one import. The summary is returned even when the run
// fails; it is recorded in the store whenever a store was reached.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	runID := uuid.NewString()
	p.log = p.log.WithField("run_id", runID)
	sum := newSummary(runID, p.now())

	p.enter(StateConnecting, 0)
	st, err := Connect(ctx, p.opts.Open, p.opts.Backoff, p.log, p.m.ConnectAttempts.Inc)
	if err != nil {
		return p.finish(ctx, nil, sum, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			p.log.WithError(err).Warn("close store")
		}
	}()

	if locker, ok := st.(store.Locker); ok && p.opts.LockKey != 0 {
		unlock, err := locker.Lock(ctx, p.opts.LockKey)
		if err != nil {
			return p.finish(ctx, st, sum, err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				p.log.WithError(err).Warn("release run lock")
			}
		}()
	}

	if err := st.Reset(ctx); err != nil {
		return p.finish(ctx, st, sum, fmt.Errorf("reset schema: %w", err))
	}
	p.enter(StateSchemaReady, 0)

	loaded, err := source.LoadAll(ctx, p.opts.Fetcher, p.opts.Catalogue, p.opts.ReadConcurrency)
	if err != nil {
		return p.finish(ctx, st, sum, fmt.Errorf("read sources from %s: %w", p.opts.Fetcher, err))
	}
	var (
		tables []*source.Table
		index  []int
	)
	for _, l := range loaded {
		ss := SourceSummary{Source: l.Name}
		if l.Err != nil {
			ss.Stage, ss.Error = StageRead, l.Err.Error()
			p.m.SourceFailures.WithLabelValues(StageRead).Inc()
			logging.LogSourceError(p.log, l.Name, StageRead, l.Err)
		} else {
			ss.Rows = len(l.Table.Rows)
			if d := l.Table.Descriptor; d != nil {
				ss.Descriptor, ss.Family = d.Name, d.Family
			}
			ss.Identity = l.Table.Identity
			p.m.SourceRows.WithLabelValues(l.Name).Add(float64(ss.Rows))
			logging.LogSource(p.log, l.Name, ss.Descriptor, ss.Rows)
			tables = append(tables, l.Table)
			index = append(index, len(sum.Sources))
		}
		sum.Sources = append(sum.Sources, ss)
	}

	draft := registry.NewBuilder(p.log).Build(tables)
	sum.Discovered = draft.Len()
	sum.Conflicts = draft.Conflicts
	p.m.IdentityConflicts.Add(float64(len(draft.Conflicts)))
	for i, s := range draft.Stats {
		sum.Sources[index[i]].Discovered = s.Discovered
	}
	if p.opts.IdentityConflictsFatal && len(draft.Conflicts) > 0 {
		return p.finish(ctx, st, sum, fmt.Errorf("%w: %d conflicts", registry.ErrIdentityConflict, len(draft.Conflicts)))
	}

	ld := loader.New(st, p.log, p.opts.Load)
	reg, err := ld.CommitDistricts(ctx, draft)
	if err != nil {
		return p.finish(ctx, st, sum, err)
	}
	sum.Committed = reg.Len()
	p.m.Districts.Set(float64(reg.Len()))
	p.enter(StateRegistryBuilt, 0)

	tr := transform.New(reg)
	for i, tbl := range tables {
		if err := ctx.Err(); err != nil {
			return p.finish(ctx, st, sum, err)
		}
		if tbl.Descriptor == nil {
			continue
		}
		p.enter(StatePerSourceImport, i)
		if err := p.importSource(ctx, tr, ld, tbl, &sum.Sources[index[i]], sum); err != nil {
			return p.finish(ctx, st, sum, err)
		}
	}

	if err := p.verify(ctx, st, sum); err != nil {
		return p.finish(ctx, st, sum, err)
	}
	p.enter(StateVerified, 0)

	if ratio := sum.RejectionRatio(); p.opts.RejectThreshold < 1 && ratio > p.opts.RejectThreshold {
		return p.finish(ctx, st, sum, fmt.Errorf("%w: %.3f > %.3f", ErrRejectThreshold, ratio, p.opts.RejectThreshold))
	}
	return p.finish(ctx, st, sum, nil)
}

// importSource transforms and loads one table. Source-level failures are
// recorded in ss; only context errors are returned.
func (p *Pipeline) importSource(ctx context.Context, tr *transform.Transformer, ld *loader.Loader, tbl *source.Table, ss *SourceSummary, sum *Summary) error {
	log := p.log.WithFields(logrus.Fields{"source": tbl.Source, "family": tbl.Descriptor.Family})
	started := p.now()

	facts, stats, err := tr.Table(tbl)
	p.reject(ss, stats.Rejected)
	if err != nil {
		ss.Stage, ss.Error = StageTransform, err.Error()
		p.m.SourceFailures.WithLabelValues(StageTransform).Inc()
		logging.LogSourceError(log, tbl.Source, StageTransform, err)
		return nil
	}
	ss.Facts = stats.Facts
	logging.LogTransform(log, tbl.Source, stats.Rows, stats.Facts, stats.RejectedRows(), p.now().Sub(started))

	family := tbl.Descriptor.Family
	res, err := ld.LoadFacts(ctx, family, facts)
	ss.Written = res.Written
	p.reject(ss, res.Rejected)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ss.Stage, ss.Error = StageLoad, err.Error()
		p.m.SourceFailures.WithLabelValues(StageLoad).Inc()
		logging.LogSourceError(log, tbl.Source, StageLoad, err)
		return nil
	}

	fs := sum.family(family)
	fs.Sources++
	fs.Written += res.Written
	fs.Rejected += ss.RejectedTotal()

	p.m.FactsWritten.WithLabelValues(string(family)).Add(float64(res.Written))
	p.m.Batches.WithLabelValues(string(family)).Add(float64(res.Batches))
	p.m.BatchSplits.WithLabelValues(string(family)).Add(float64(res.Splits))
	elapsed := p.now().Sub(started)
	p.m.WriteLatency.WithLabelValues(string(family)).Observe(elapsed.Seconds())
	logging.LogUpsert(log, tbl.Source, string(family), res.Written, res.RejectedTotal(), elapsed)
	return nil
}

// reject records rejections in the source summary and the metrics.
func (p *Pipeline) reject(ss *SourceSummary, m map[transform.Reason]int) {
	ss.addRejected(m)
	for r, c := range m {
		p.m.Rejected.WithLabelValues(string(r)).Add(float64(c))
	}
}

func (p *Pipeline) verify(ctx context.Context, st store.Store, sum *Summary) error {
	sum.Tables = make(map[string]int64)
	for _, table := range store.Tables() {
		n, err := st.CountRows(ctx, table)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		sum.Tables[table] = n
		if n == 0 {
			sum.Warnings = append(sum.Warnings, fmt.Sprintf("table %s is empty", table))
			p.log.WithField("table", table).Warn("table is empty after import")
			continue
		}
		p.log.WithFields(logrus.Fields{"table": table, "rows": n}).Info("verified")
	}
	return nil
}

// finish closes the summary, records it and returns runErr.
func (p *Pipeline) finish(ctx context.Context, st store.Store, sum *Summary, runErr error) (*Summary, error) {
	sum.FinishedAt = p.now()
	if runErr != nil {
		state, _ := p.State()
		sum.State, sum.Status, sum.Error = state, StatusFailed, runErr.Error()
		p.enter(StateFailed, 0)
		p.log.WithField("state", state).WithError(runErr).Error("import failed")
	} else {
		p.enter(StateDone, 0)
		sum.State, sum.Status = StateDone, StatusDone
		p.log.WithFields(logrus.Fields{
			"districts": sum.Committed,
			"sources":   len(sum.Sources),
			"failed":    sum.FailedSources(),
		}).Info("import finished")
	}
	p.m.Finish(sum.Status, sum.StartedAt, sum.FinishedAt)

	if st == nil {
		return sum, runErr
	}
	body, err := json.Marshal(sum)
	if err != nil {
		return sum, errors.Join(runErr, fmt.Errorf("encode summary: %w", err))
	}
	rec := runRecord(sum, body)
	if err := st.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		p.log.WithError(err).Warn("could not record run")
	}
	return sum, runErr
}
