package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/meigma/pak"
	"github.com/meigma/pak/linker"
	"github.com/meigma/pak/object"
)

// dumper writes tables to w and keeps the first write error.
type dumper struct {
	w   io.Writer
	err error
}

func (d *dumper) printf(format string, args ...any) {
	if d.err != nil {
		return
	}
	_, d.err = fmt.Fprintf(d.w, format, args...)
}

func (d *dumper) table(title string, fill func(tw *tabwriter.Writer)) {
	d.printf("\n%s\n", title)
	if d.err != nil {
		return
	}
	tw := tabwriter.NewWriter(d.w, 0, 4, 2, ' ', 0)
	fill(tw)
	if err := tw.Flush(); err != nil && d.err == nil {
		d.err = err
	}
}

func (d *dumper) summary(path string, l *linker.Linker) {
	s := &l.Summary
	d.printf("Package %s (%s)\n", l.PackageName(), path)
	d.printf("  GUID:           %s\n", s.GUID)
	d.printf("  Version:        %d (licensee %d)\n", s.EngineFileVersion(), s.LicenseeFileVersion())
	d.printf("  Engine:         %d, cooked content %d\n", s.EngineVersion, s.CookedContentVersion)
	d.printf("  Flags:          %#08x\n", s.PackageFlags)
	if s.FolderName != "" {
		d.printf("  Folder:         %s\n", s.FolderName)
	}
	d.printf("  Header:         %s\n", humanize.IBytes(uint64(max(s.TotalHeaderSize, 0))))
	d.printf("  Names:          %d\n", s.NameCount)
	d.printf("  Imports:        %d\n", s.ImportCount)
	d.printf("  Exports:        %d (%s of object data)\n", s.ExportCount, humanize.IBytes(exportBytes(l)))
	d.printf("  Generations:    %d\n", len(s.Generations))
	if s.IsCompressed() {
		var packed, unpacked uint64
		for _, c := range s.CompressedChunks {
			packed += uint64(max(c.CompressedSize, 0))
			unpacked += uint64(max(c.UncompressedSize, 0))
		}
		d.printf("  Compression:    %s, %d chunks, %s -> %s\n", s.CompressionFlags, len(s.CompressedChunks),
			humanize.IBytes(unpacked), humanize.IBytes(packed))
	}
}

func exportBytes(l *linker.Linker) uint64 {
	var n uint64
	for i := range l.ExportMap {
		n += uint64(max(l.ExportMap[i].SerialSize, 0))
	}
	return n
}

func (d *dumper) names(l *linker.Linker) {
	d.table("Names", func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "#\tNAME\tFLAGS")
		for i, e := range l.NameMap {
			fmt.Fprintf(tw, "%d\t%s\t%#x\n", i, e.Name, e.Flags)
		}
	})
}

func (d *dumper) imports(l *linker.Linker) {
	d.table("Imports", func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "#\tCLASS\tOUTER\tPATH")
		for i := range l.ImportMap {
			imp := &l.ImportMap[i]
			fmt.Fprintf(tw, "%d\t%s.%s\t%s\t%s\n", i, imp.ClassPackage, imp.ClassName, imp.OuterIndex, l.ImportPath(i))
		}
	})
}

func (d *dumper) exports(l *linker.Linker) {
	d.table("Exports", func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "#\tCLASS\tPATH\tFLAGS\tOFFSET\tSIZE")
		for i := range l.ExportMap {
			exp := &l.ExportMap[i]
			path := l.PathName(linker.ExportIndex(i), "", false)
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", i, l.ExportClassName(i), path,
				exportFlags(exp), exp.SerialOffset, humanize.IBytes(uint64(max(exp.SerialSize, 0))))
		}
	})
}

func exportFlags(exp *linker.ObjectExport) string {
	s := object.Flags(exp.ObjectFlags).String()
	if exp.ExportFlags&linker.ForcedExport != 0 {
		s += "|Forced"
	}
	if exp.ExportFlags&linker.ScriptPatcherExport != 0 {
		s += "|Patched"
	}
	return s
}

func (d *dumper) depends(l *linker.Linker) {
	d.table("Depends", func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "EXPORT\tDEPENDS ON")
		for i, deps := range l.DependsMap {
			if len(deps) == 0 {
				continue
			}
			from := l.PathName(linker.ExportIndex(i), "", false)
			for _, dep := range deps {
				fmt.Fprintf(tw, "%s\t%s\n", from, l.PathName(dep, "", false))
			}
		}
	})
}

func (d *dumper) thumbnails(thumbs []linker.Thumbnail) {
	d.table("Thumbnails", func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "OBJECT\tCLASS\tSIZE\tFORMAT\tDATA")
		for _, th := range thumbs {
			fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%s\t%s\n", th.ObjectPath, th.ObjectClass,
				th.Width, th.Height, th.Format, humanize.IBytes(uint64(len(th.Data))))
		}
	})
}

// load loads pkg in relaxed mode, lists the exports that could not be
// created and collects everything not marked Standalone.
func (d *dumper) load(rt *pak.Runtime, pkg string) error {
	if _, err := rt.Loader().LoadPackage(pkg, linker.LoadRelaxed); err != nil {
		return err
	}
	l := rt.Loader().Find(pkg)
	if l == nil {
		return fmt.Errorf("%s: linker missing after load", pkg)
	}
	loaded := 0
	d.table("Load", func(tw *tabwriter.Writer) {
		for i := range l.ExportMap {
			if l.ExportMap[i].Object != object.Nil {
				loaded++
				continue
			}
			fmt.Fprintf(tw, "failed\t%s\t%s\n", l.ExportClassName(i), l.PathName(linker.ExportIndex(i), "", false))
		}
	})
	d.printf("  %d of %d exports loaded, %d objects live\n", loaded, len(l.ExportMap), rt.Registry().Len())

	stats, err := rt.Collect(object.FlagStandalone)
	if err != nil {
		return err
	}
	d.printf("  collected: %d roots, %d reachable, %d unreachable, %d references nulled in %s\n",
		stats.Roots, stats.Reachable, stats.Unreachable, stats.Nulled, stats.Duration)
	return nil
}
