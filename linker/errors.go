package linker

import (
	"errors"
	"fmt"
)

var (
	// ErrBadTag is returned when a file does not start with the package tag
	// in either byte order.
	ErrBadTag = errors.New("linker: not a package file")

	// ErrVersionTooOld is returned for files older than archive.MinVersion.
	ErrVersionTooOld = errors.New("linker: file version too old")

	// ErrVersionTooNew is returned for files newer than the running engine.
	ErrVersionTooNew = errors.New("linker: file version too new")

	// ErrImportNotFound is returned when an import resolves to no object.
	ErrImportNotFound = errors.New("linker: import not found")

	// ErrCorruptExport is returned when an export's payload does not match
	// its recorded size or fails to decode.
	ErrCorruptExport = errors.New("linker: corrupt export")

	// ErrBadIndex is returned for package indices outside the tables.
	ErrBadIndex = errors.New("linker: package index out of range")

	// ErrDetached is returned when a detached linker is used.
	ErrDetached = errors.New("linker: detached")

	// ErrNotFinalized is returned when tables are used before the linker
	// finished loading them.
	ErrNotFinalized = errors.New("linker: tables not loaded")

	// ErrNotFound is returned when a path names no export.
	ErrNotFound = errors.New("linker: object not found")
)

// ImportError describes an import that could not be resolved.
type ImportError struct {
	// Linker is the package holding the import.
	Linker string

	// Path is the imported object's path.
	Path string

	// Class is the import's class as "Package.Class".
	Class string

	// Err is the cause; it wraps ErrImportNotFound.
	Err error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("linker: %s: import %s %s: %v", e.Linker, e.Class, e.Path, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }
