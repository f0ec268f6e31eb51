package linker

import "fmt"

// PackageIndex addresses a table entry: positive values are exports
// (index-1), negative values are imports (-index-1) and zero is the package
// root or a null reference.
type PackageIndex int32

// ExportIndex returns the PackageIndex of export i.
func ExportIndex(i int) PackageIndex { return PackageIndex(i + 1) } //nolint:gosec // table counts are bounded by MaxTableCount

// ImportIndex returns the PackageIndex of import i.
func ImportIndex(i int) PackageIndex { return PackageIndex(-i - 1) } //nolint:gosec // see ExportIndex

// IsNull reports whether p is the root or null index.
func (p PackageIndex) IsNull() bool { return p == 0 }

// IsExport reports whether p addresses the export table.
func (p PackageIndex) IsExport() bool { return p > 0 }

// IsImport reports whether p addresses the import table.
func (p PackageIndex) IsImport() bool { return p < 0 }

// Export returns the export table position of p. p must be an export index.
func (p PackageIndex) Export() int { return int(p) - 1 }

// Import returns the import table position of p. p must be an import index.
func (p PackageIndex) Import() int { return -int(p) - 1 }

func (p PackageIndex) String() string {
	switch {
	case p.IsExport():
		return fmt.Sprintf("export[%d]", p.Export())
	case p.IsImport():
		return fmt.Sprintf("import[%d]", p.Import())
	default:
		return "root"
	}
}
