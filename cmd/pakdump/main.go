// pakdump prints the summary and tables of a package file.
//
// Usage:
//
//	pakdump [flags] <package-file>
//
// The package's directory is searched first for the package and its
// sidecar, followed by the search paths of --config and then the server
// given by --remote. With --load the package is loaded in relaxed mode,
// which reports the exports whose classes are not available, and then
// collected.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/meigma/pak"
	"github.com/meigma/pak/config"
)

type options struct {
	config     string
	remote     string
	names      bool
	imports    bool
	exports    bool
	depends    bool
	thumbnails bool
	load       bool
	all        bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "pakdump: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	var opts options
	fs := pflag.NewFlagSet("pakdump", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.config, "config", "c", "", "YAML configuration file")
	fs.StringVar(&opts.remote, "remote", "", "base URL serving packages not found locally")
	fs.BoolVarP(&opts.names, "names", "n", false, "print the name table")
	fs.BoolVarP(&opts.imports, "imports", "i", false, "print the import table")
	fs.BoolVarP(&opts.exports, "exports", "e", false, "print the export table")
	fs.BoolVarP(&opts.depends, "depends", "d", false, "print export dependencies")
	fs.BoolVar(&opts.thumbnails, "thumbnails", false, "print the thumbnail table")
	fs.BoolVarP(&opts.load, "load", "l", false, "load the package, report failed exports and collect")
	fs.BoolVarP(&opts.all, "all", "a", false, "print every table")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pakdump [flags] <package-file>\n\nFlags:\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("expected one package file")
	}
	if opts.all {
		opts.names, opts.imports, opts.exports, opts.depends, opts.thumbnails = true, true, true, true, true
	}

	path := fs.Arg(0)
	cfg := config.Default()
	if opts.config != "" {
		loaded, err := config.Load(opts.config)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if opts.remote != "" {
		cfg.Remote.BaseURL = opts.remote
	}
	ext := filepath.Ext(path)
	if ext == "" {
		return fmt.Errorf("%s: package file has no extension", path)
	}
	cfg.PackageExt = ext
	cfg.SearchPaths = append([]string{filepath.Dir(path)}, cfg.SearchPaths...)
	pkg := strings.TrimSuffix(filepath.Base(path), ext)

	rt, err := pak.New(pak.WithConfig(cfg), pak.WithLogger(cfg.Logger(stderr)))
	if err != nil {
		return err
	}
	defer rt.Close()

	l, err := rt.Loader().CreateLinker(pkg, 0)
	if err != nil {
		return err
	}
	d := &dumper{w: stdout}
	d.summary(path, &l.Linker)
	if opts.names {
		d.names(&l.Linker)
	}
	if opts.imports {
		d.imports(&l.Linker)
	}
	if opts.exports {
		d.exports(&l.Linker)
	}
	if opts.depends {
		d.depends(&l.Linker)
	}
	if opts.thumbnails {
		thumbs, err := l.Thumbnails()
		if err != nil {
			return err
		}
		d.thumbnails(thumbs)
	}
	if opts.load {
		if err := d.load(rt, pkg); err != nil {
			return err
		}
	}
	return d.err
}
