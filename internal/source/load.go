package source

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Loaded is the outcome of reading one source file. Exactly one of Table
// and Err is set.
type Loaded struct {
	Name  string
	Table *Table
	Err   error
}

// LoadAll lists and reads every source file with at most concurrency
// readers. Results keep the listing order; per-file failures are returned
// in Loaded.Err and do not stop the other reads.
func LoadAll(ctx context.Context, f Fetcher, cat *Catalogue, concurrency int) ([]Loaded, error) {
	names, err := f.List(ctx)
	if err != nil {
		return nil, err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	out := make([]Loaded, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := readOne(gctx, f, cat, name)
			out[i] = Loaded{Name: name, Table: t, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func readOne(ctx context.Context, f Fetcher, cat *Catalogue, name string) (*Table, error) {
	rc, err := f.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()

	t, err := Read(name, rc, cat.Delimiter, cat.Columns)
	if err != nil {
		return nil, err
	}
	d, _ := cat.Lookup(name)
	t.Bind(d)
	return t, nil
}
