// Package loader writes the registry and the facts into a store. Loads are
// idempotent: running the same input twice leaves the same rows behind.
package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kiel-opendata/district-import/internal/model"
	"github.com/kiel-opendata/district-import/internal/registry"
	"github.com/kiel-opendata/district-import/internal/store"
	"github.com/kiel-opendata/district-import/internal/transform"
)

// ErrNotCommitted is returned by LoadFacts before CommitDistricts ran.
var ErrNotCommitted = errors.New("registry not committed")

const (
	// ReasonDangling marks a fact whose district is not in the committed
	// registry.
	ReasonDangling transform.Reason = "dangling"
	// ReasonWrite marks a single fact the store refused.
	ReasonWrite transform.Reason = "write"
)

// DefaultBatchSize is used when Options.BatchSize is zero.
const DefaultBatchSize = 500

// Options tunes the write path.
type Options struct {
	BatchSize int
	// BatchesPerSecond paces writes; zero means unlimited.
	BatchesPerSecond float64
}

// Result reports one LoadFacts call.
type Result struct {
	Family     model.Family
	Input      int
	Duplicates int
	Written    int
	Batches    int
	Splits     int
	Rejected   map[transform.Reason]int
}

func (r *Result) reject(reason transform.Reason, n int) {
	if r.Rejected == nil {
		r.Rejected = make(map[transform.Reason]int)
	}
	r.Rejected[reason] += n
}

// RejectedTotal sums all rejections.
func (r Result) RejectedTotal() int {
	n := 0
	for _, c := range r.Rejected {
		n += c
	}
	return n
}

// Loader owns the committed registry for one run.
type Loader struct {
	store   store.Store
	log     logrus.FieldLogger
	batch   int
	limiter *rate.Limiter
	reg     *registry.Registry
}

// New returns a Loader writing to st.
func New(st store.Store, log logrus.FieldLogger, opts Options) *Loader {
	l := &Loader{store: st, log: log, batch: opts.BatchSize}
	if l.batch <= 0 {
		l.batch = DefaultBatchSize
	}
	if opts.BatchesPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(opts.BatchesPerSecond), 1)
	}
	return l
}

// Registry returns the committed registry, or nil.
func (l *Loader) Registry() *registry.Registry { return l.reg }

// CommitDistricts inserts the draft's districts if absent and freezes the
// registry from what the store holds afterwards. A stored row whose name
// differs from the draft does not make its id valid.
func (l *Loader) CommitDistricts(ctx context.Context, draft *registry.Draft) (*registry.Registry, error) {
	ds := draft.Districts()
	for start := 0; start < len(ds); start += l.batch {
		end := min(start+l.batch, len(ds))
		if err := l.wait(ctx); err != nil {
			return nil, err
		}
		if err := l.store.InsertDistricts(ctx, ds[start:end]); err != nil {
			return nil, fmt.Errorf("commit districts: %w", err)
		}
	}

	stored, err := l.store.Districts(ctx)
	if err != nil {
		return nil, fmt.Errorf("read back districts: %w", err)
	}
	want := make(map[int64]string, len(ds))
	for _, d := range ds {
		want[d.ID] = d.Name
	}
	committed := make([]int64, 0, len(stored))
	for _, d := range stored {
		name, ok := want[d.ID]
		if !ok {
			continue
		}
		if name != d.Name {
			l.log.WithFields(logrus.Fields{
				"district_id": d.ID,
				"name":        name,
				"stored_name": d.Name,
			}).Warn("stored district disagrees with registry, id not usable")
			continue
		}
		committed = append(committed, d.ID)
	}

	l.reg = draft.Freeze(committed)
	l.log.WithFields(logrus.Fields{
		"discovered": len(ds),
		"committed":  len(committed),
	}).Info("registry committed")
	return l.reg, nil
}

// LoadFacts gates facts on the committed registry, collapses duplicate
// keys (the last one wins) and upserts them in batches. A batch the store
// rejects is split in halves until the failing facts are isolated. Refused
// facts are counted in the result; the returned error is either a
// precondition failure or the context's.
func (l *Loader) LoadFacts(ctx context.Context, family model.Family, facts []model.Fact) (Result, error) {
	res := Result{Family: family, Input: len(facts)}
	if l.reg == nil {
		return res, ErrNotCommitted
	}
	if !family.Valid() {
		return res, fmt.Errorf("%w: %q", store.ErrUnknownFamily, family)
	}

	gated := make([]model.Fact, 0, len(facts))
	for _, f := range facts {
		if !l.reg.Valid(f.DistrictID) {
			res.reject(ReasonDangling, 1)
			continue
		}
		gated = append(gated, f)
	}
	unique := dedupe(gated)
	res.Duplicates = len(gated) - len(unique)

	for start := 0; start < len(unique); start += l.batch {
		end := min(start+l.batch, len(unique))
		res.Batches++
		if err := l.write(ctx, family, unique[start:end], &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (l *Loader) write(ctx context.Context, family model.Family, batch []model.Fact, res *Result) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	err := l.store.UpsertFacts(ctx, family, batch)
	if err == nil {
		res.Written += len(batch)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(batch) == 1 {
		res.reject(ReasonWrite, 1)
		l.log.WithFields(logrus.Fields{
			"family": family,
			"key":    batch[0].Key().String(),
		}).WithError(err).Warn("fact refused by store")
		return nil
	}

	res.Splits++
	mid := len(batch) / 2
	if err := l.write(ctx, family, batch[:mid], res); err != nil {
		return err
	}
	return l.write(ctx, family, batch[mid:], res)
}

func (l *Loader) wait(ctx context.Context) error {
	if l.limiter == nil {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}

// dedupe keeps the first position of every key and the last value.
func dedupe(facts []model.Fact) []model.Fact {
	pos := make(map[model.FactKey]int, len(facts))
	out := make([]model.Fact, 0, len(facts))
	for _, f := range facts {
		k := f.Key()
		if i, ok := pos[k]; ok {
			out[i] = f
			continue
		}
		pos[k] = len(out)
		out = append(out, f)
	}
	return out
}
