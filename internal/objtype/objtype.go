// Package objtype holds the identity types shared by the archive and object
// packages. The object package re-exports them.
package objtype

import (
	"strconv"
	"strings"
)

// Handle identifies a live object in a registry arena. The zero Handle is nil.
type Handle uint32

// Nil is the null object reference.
const Nil Handle = 0

// IsNil reports whether h refers to no object.
func (h Handle) IsNil() bool {
	return h == Nil
}

// Flags are per-object state bits.
type Flags uint64

// Object flags. The low 32 bits are persisted in export tables; the high bits
// are transient runtime state.
const (
	FlagPublic Flags = 1 << iota
	FlagStandalone
	FlagTransient
	FlagNative
	FlagClassDefaultObject
	FlagArchetypeObject
	FlagLoadForClient
	FlagLoadForServer
	FlagNotForClient
	FlagNotForServer
)

// Transient runtime flags.
const (
	FlagRootSet Flags = 1 << (32 + iota)
	FlagNeedLoad
	FlagNeedPostLoad
	FlagUnreachable
	FlagPendingKill
	FlagBeginDestroyed
	FlagFinishDestroyed
	FlagUnderConstruction
	FlagAsyncLoading
	FlagTagExport
	FlagTagImport
)

// LoadMask selects the flags that survive a save/load round trip.
const LoadMask Flags = 0xFFFFFFFF &^ FlagTransient

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// Any reports whether any bit in mask is set.
func (f Flags) Any(mask Flags) bool {
	return f&mask != 0
}

var flagNames = [...]struct {
	f    Flags
	name string
}{
	{FlagPublic, "Public"},
	{FlagStandalone, "Standalone"},
	{FlagTransient, "Transient"},
	{FlagNative, "Native"},
	{FlagClassDefaultObject, "ClassDefaultObject"},
	{FlagArchetypeObject, "ArchetypeObject"},
	{FlagLoadForClient, "LoadForClient"},
	{FlagLoadForServer, "LoadForServer"},
	{FlagNotForClient, "NotForClient"},
	{FlagNotForServer, "NotForServer"},
	{FlagRootSet, "RootSet"},
	{FlagNeedLoad, "NeedLoad"},
	{FlagNeedPostLoad, "NeedPostLoad"},
	{FlagUnreachable, "Unreachable"},
	{FlagPendingKill, "PendingKill"},
	{FlagBeginDestroyed, "BeginDestroyed"},
	{FlagFinishDestroyed, "FinishDestroyed"},
	{FlagUnderConstruction, "UnderConstruction"},
	{FlagAsyncLoading, "AsyncLoading"},
	{FlagTagExport, "TagExport"},
	{FlagTagImport, "TagImport"},
}

// String lists the set flags separated by "|", or "0" when none are set.
// Unnamed bits are appended in hex.
func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var b strings.Builder
	rest := f
	for _, n := range flagNames {
		if f&n.f == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(n.name)
		rest &^= n.f
	}
	if rest != 0 {
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString("0x")
		b.WriteString(strconv.FormatUint(uint64(rest), 16))
	}
	return b.String()
}
