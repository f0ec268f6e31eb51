// Package name provides interned object names.
//
// A Name is a base string plus a numeric suffix, so "Mesh_12" and "Mesh_13"
// share one interned base. The zero Name is None.
package name

import (
	"strconv"
	"strings"
	"unique"

	"github.com/cespare/xxhash/v2"
)

// NoneString is the textual form of the zero Name.
const NoneString = "None"

// Name is an interned base string with an optional instance number.
//
// Number 0 means no suffix; Number n > 0 renders as "_<n-1>".
type Name struct {
	base   unique.Handle[string]
	number int32
}

// None is the empty name.
var None Name

// New interns s, splitting a trailing "_<digits>" suffix into the number.
// Suffixes with leading zeros are kept as part of the base.
func New(s string) Name {
	if s == "" || strings.EqualFold(s, NoneString) {
		return None
	}
	base, number := splitNumber(s)
	return Name{base: unique.Make(base), number: number}
}

// WithNumber interns base verbatim with the given number.
func WithNumber(base string, number int32) Name {
	if base == "" || strings.EqualFold(base, NoneString) {
		return None
	}
	return Name{base: unique.Make(base), number: number}
}

// IsNone reports whether n is the empty name.
func (n Name) IsNone() bool {
	return n.base == (unique.Handle[string]{})
}

// Base returns the base string without the numeric suffix.
func (n Name) Base() string {
	if n.IsNone() {
		return NoneString
	}
	return n.base.Value()
}

// Number returns the encoded instance number (0 = none).
func (n Name) Number() int32 {
	return n.number
}

// Plain returns n without its numeric suffix.
func (n Name) Plain() Name {
	return Name{base: n.base}
}

// WithNumber returns n's base with a different number.
func (n Name) WithNumber(number int32) Name {
	if n.IsNone() {
		return None
	}
	return Name{base: n.base, number: number}
}

// String renders the name including its suffix.
func (n Name) String() string {
	if n.IsNone() {
		return NoneString
	}
	if n.number == 0 {
		return n.base.Value()
	}
	return n.base.Value() + "_" + strconv.FormatInt(int64(n.number-1), 10)
}

// Hash returns a stable hash of the full name, suitable for bucket selection.
func (n Name) Hash() uint64 {
	var d xxhash.Digest
	d.Reset()
	_, _ = d.WriteString(strings.ToLower(n.Base())) //nolint:errcheck // digest writes never fail
	var buf [4]byte
	buf[0] = byte(n.number)
	buf[1] = byte(n.number >> 8)
	buf[2] = byte(n.number >> 16)
	buf[3] = byte(n.number >> 24)
	_, _ = d.Write(buf[:]) //nolint:errcheck // digest writes never fail
	return d.Sum64()
}

// MarshalText implements encoding.TextMarshaler.
func (n Name) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Name) UnmarshalText(text []byte) error {
	*n = New(string(text))
	return nil
}

func splitNumber(s string) (string, int32) {
	i := strings.LastIndexByte(s, '_')
	if i <= 0 || i == len(s)-1 {
		return s, 0
	}
	digits := s[i+1:]
	if len(digits) > 1 && digits[0] == '0' {
		return s, 0
	}
	v, err := strconv.ParseInt(digits, 10, 32)
	if err != nil || v >= 1<<31-1 {
		return s, 0
	}
	return s[:i], int32(v) + 1
}
