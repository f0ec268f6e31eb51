package catalog

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/pak/linker"
	"github.com/meigma/pak/source"
)

// ScanOption configures Scan.
type ScanOption func(*scanConfig)

type scanConfig struct {
	ext         string
	concurrency int
}

// WithScanExt sets the package file extension to look for (default ".upk").
func WithScanExt(ext string) ScanOption {
	return func(c *scanConfig) {
		c.ext = ext
	}
}

// WithScanConcurrency bounds the number of files read at once.
// Values below 1 use GOMAXPROCS.
func WithScanConcurrency(n int) ScanOption {
	return func(c *scanConfig) {
		c.concurrency = n
	}
}

// Scan walks root for package files and returns one entry per package, sorted
// by name. The package name is the file name without its extension. Each file's
// summary is read for its GUID and flags, and its content is digested.
func Scan(ctx context.Context, root string, opts ...ScanOption) ([]Entry, error) {
	cfg := scanConfig{ext: source.DefaultPackageExt}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.concurrency < 1 {
		cfg.concurrency = runtime.GOMAXPROCS(0)
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.EqualFold(filepath.Ext(path), cfg.ext) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: scan %s: %w", root, err)
	}

	entries := make([]Entry, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := scanFile(root, path)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	for i := 1; i < len(entries); i++ {
		if entries[i].Name == entries[i-1].Name {
			return nil, fmt.Errorf("%w: %s (%s and %s)", ErrDuplicate, entries[i].Name, entries[i-1].Path, entries[i].Path)
		}
	}
	return entries, nil
}

func scanFile(root, path string) (Entry, error) {
	src, err := source.OpenFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: %w", err)
	}
	defer src.Close()

	sum, err := linker.ReadSummary(src)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: %s: %w", path, err)
	}
	d, err := digest.FromReader(io.NewSectionReader(src, 0, src.Size()))
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: digest %s: %w", path, err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: %w", err)
	}
	base := filepath.Base(path)
	return Entry{
		Name:   strings.TrimSuffix(base, filepath.Ext(base)),
		Path:   filepath.ToSlash(rel),
		GUID:   sum.GUID,
		Size:   src.Size(),
		Digest: d,
		Flags:  sum.PackageFlags,
	}, nil
}
