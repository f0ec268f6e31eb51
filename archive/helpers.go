package archive

import (
	"fmt"
	"math"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/meigma/pak/internal/sizing"
)

// MaxStringLen bounds string lengths read from disk, in characters.
const MaxStringLen = 1 << 20

// Uint8 serializes a single byte.
func Uint8(ar Archive, v *uint8) {
	var b [1]byte
	b[0] = *v
	ar.Serialize(b[:])
	if ar.IsLoading() {
		*v = b[0]
	}
}

// Uint16 serializes a uint16 in the archive's byte order.
func Uint16(ar Archive, v *uint16) {
	var b [2]byte
	order := ar.ByteOrder()
	if !ar.IsLoading() {
		order.PutUint16(b[:], *v)
	}
	ar.Serialize(b[:])
	if ar.IsLoading() {
		*v = order.Uint16(b[:])
	}
}

// Uint32 serializes a uint32 in the archive's byte order.
func Uint32(ar Archive, v *uint32) {
	var b [4]byte
	order := ar.ByteOrder()
	if !ar.IsLoading() {
		order.PutUint32(b[:], *v)
	}
	ar.Serialize(b[:])
	if ar.IsLoading() {
		*v = order.Uint32(b[:])
	}
}

// Int32 serializes an int32.
func Int32(ar Archive, v *int32) {
	u := uint32(*v) //nolint:gosec // bit reinterpretation
	Uint32(ar, &u)
	*v = int32(u) //nolint:gosec // bit reinterpretation
}

// Uint64 serializes a uint64 in the archive's byte order.
func Uint64(ar Archive, v *uint64) {
	var b [8]byte
	order := ar.ByteOrder()
	if !ar.IsLoading() {
		order.PutUint64(b[:], *v)
	}
	ar.Serialize(b[:])
	if ar.IsLoading() {
		*v = order.Uint64(b[:])
	}
}

// Int64 serializes an int64.
func Int64(ar Archive, v *int64) {
	u := uint64(*v) //nolint:gosec // bit reinterpretation
	Uint64(ar, &u)
	*v = int64(u) //nolint:gosec // bit reinterpretation
}

// Float32 serializes an IEEE-754 float32.
func Float32(ar Archive, v *float32) {
	u := math.Float32bits(*v)
	Uint32(ar, &u)
	*v = math.Float32frombits(u)
}

// Float64 serializes an IEEE-754 float64.
func Float64(ar Archive, v *float64) {
	u := math.Float64bits(*v)
	Uint64(ar, &u)
	*v = math.Float64frombits(u)
}

// Bool serializes a bool as a 32-bit integer.
func Bool(ar Archive, v *bool) {
	var u uint32
	if *v {
		u = 1
	}
	Uint32(ar, &u)
	*v = u != 0
}

// String serializes a string as an int32 character count including the
// terminator followed by the characters. ASCII strings are stored one byte
// per character; anything else is stored as UTF-16 with a negative count.
func String(ar Archive, s *string) {
	if ar.IsLoading() {
		*s = loadString(ar)
		return
	}
	saveString(ar, *s)
}

func loadString(ar Archive) string {
	var n int32
	Int32(ar, &n)
	if ar.Err() != nil || n == 0 {
		return ""
	}
	wide := n < 0
	if wide {
		if n == math.MinInt32 {
			ar.SetError(fmt.Errorf("%w: string length %d", ErrCorrupt, n))
			return ""
		}
		n = -n
	}
	if n > MaxStringLen {
		ar.SetError(fmt.Errorf("%w: string length %d", ErrCorrupt, n))
		return ""
	}
	if !wide {
		buf := make([]byte, n)
		ar.Serialize(buf)
		if ar.Err() != nil {
			return ""
		}
		if buf[n-1] != 0 {
			ar.SetError(fmt.Errorf("%w: string missing terminator", ErrCorrupt))
			return ""
		}
		return string(buf[:n-1])
	}
	buf := make([]byte, 2*int(n))
	ar.Serialize(buf)
	if ar.Err() != nil {
		return ""
	}
	order := ar.ByteOrder()
	units := make([]uint16, n)
	for i := range units {
		units[i] = order.Uint16(buf[2*i:])
	}
	if units[n-1] != 0 {
		ar.SetError(fmt.Errorf("%w: string missing terminator", ErrCorrupt))
		return ""
	}
	return string(utf16.Decode(units[:n-1]))
}

func saveString(ar Archive, s string) {
	if s == "" {
		var zero int32
		Int32(ar, &zero)
		return
	}
	if isASCII(s) {
		n := int32(len(s) + 1) //nolint:gosec // strings beyond MaxStringLen are rejected on load
		Int32(ar, &n)
		buf := make([]byte, len(s)+1)
		copy(buf, s)
		ar.Serialize(buf)
		return
	}
	units := append(utf16.Encode([]rune(s)), 0)
	n := -int32(len(units)) //nolint:gosec // see above
	Int32(ar, &n)
	buf := make([]byte, 2*len(units))
	order := ar.ByteOrder()
	for i, u := range units {
		order.PutUint16(buf[2*i:], u)
	}
	ar.Serialize(buf)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 || s[i] == 0 {
			return false
		}
	}
	return true
}

// GUID serializes a GUID as four 32-bit words in the archive's byte order.
func GUID(ar Archive, g *uuid.UUID) {
	for i := 0; i < 16; i += 4 {
		w := uint32(g[i])<<24 | uint32(g[i+1])<<16 | uint32(g[i+2])<<8 | uint32(g[i+3])
		Uint32(ar, &w)
		g[i], g[i+1], g[i+2], g[i+3] = byte(w>>24), byte(w>>16), byte(w>>8), byte(w)
	}
}

// Array serializes a slice as an int32 count followed by its elements.
// minElemSize bounds the count on load against the remaining bytes.
func Array[T any](ar Archive, s *[]T, minElemSize int64, elem func(Archive, *T)) {
	if !ar.IsLoading() {
		n := int32(len(*s)) //nolint:gosec // table sizes are bounded by MaxTableCount on load
		Int32(ar, &n)
		for i := range *s {
			elem(ar, &(*s)[i])
		}
		return
	}
	n, ok := Count(ar, minElemSize)
	if !ok {
		*s = nil
		return
	}
	out := make([]T, n)
	for i := range out {
		elem(ar, &out[i])
		if ar.Err() != nil {
			*s = nil
			return
		}
	}
	*s = out
}

// Count reads an int32 element count and validates it against the bytes
// remaining in the archive. It returns false and sets ErrCorrupt when the
// count cannot be valid.
func Count(ar Archive, minElemSize int64) (int, bool) {
	var raw int32
	Int32(ar, &raw)
	if ar.Err() != nil {
		return 0, false
	}
	remaining := int64(math.MaxInt64)
	if total := ar.TotalSize(); total >= 0 {
		remaining = total - ar.Tell()
	}
	n, err := sizing.Count(raw, remaining, minElemSize, ErrCorrupt)
	if err != nil {
		ar.SetError(fmt.Errorf("%w: count %d", err, raw))
		return 0, false
	}
	return n, true
}
