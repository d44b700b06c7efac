package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Fetcher lists and opens source files.
type Fetcher interface {
	// List returns the CSV file names in ascending order.
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	String() string
}

// DirFetcher reads *.csv files from a local directory.
type DirFetcher struct {
	Dir string
}

func (d DirFetcher) String() string { return d.Dir }

func (d DirFetcher) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.Dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isCSV(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d DirFetcher) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(d.Dir, name))
}

func isCSV(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".csv")
}

// NewFetcher picks a fetcher for a location: s3://bucket/prefix or a local
// directory.
func NewFetcher(ctx context.Context, location string, s3cfg S3Config) (Fetcher, error) {
	if bucket, prefix, ok := parseS3URI(location); ok {
		s3cfg.Bucket = bucket
		s3cfg.Prefix = prefix
		return NewS3Fetcher(ctx, s3cfg)
	}
	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source directory: %s is not a directory", location)
	}
	return DirFetcher{Dir: location}, nil
}

func parseS3URI(location string) (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(location, "s3://")
	if !found {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", false
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix, true
}
