// Package gc implements the object collector: a per-class reference token
// stream that describes where references live in an object's values, a mark
// phase that interprets those streams from the root set, and an incremental
// purge that destroys unreachable objects across ticks.
//
// A collection pass assumes no other goroutine creates, destroys or mutates
// objects in the registry while it runs. The collector does not check this.
package gc

import (
	"fmt"
	"strings"
)

// TokenType identifies what a reference token points at.
type TokenType uint8

// Token types. Values are part of the packed encoding.
const (
	TokenNone TokenType = iota
	TokenObject
	TokenPersistentObject
	TokenArrayObject
	TokenArrayStruct
	TokenFixedArray
	TokenScriptDelegate
	TokenStateLocals
	TokenEndOfStream
)

var tokenNames = [...]string{
	TokenNone:             "None",
	TokenObject:           "Object",
	TokenPersistentObject: "PersistentObject",
	TokenArrayObject:      "ArrayObject",
	TokenArrayStruct:      "ArrayStruct",
	TokenFixedArray:       "FixedArray",
	TokenScriptDelegate:   "ScriptDelegate",
	TokenStateLocals:      "StateLocals",
	TokenEndOfStream:      "EndOfStream",
}

func (t TokenType) String() string {
	if int(t) < len(tokenNames) {
		return tokenNames[t]
	}
	return fmt.Sprintf("TokenType(%d)", uint8(t))
}

// Packed field limits.
const (
	MaxReturnCount = 1<<8 - 1
	MaxOffset      = 1<<20 - 1
	MaxSkipIndex   = 1<<24 - 1
)

// skipPlaceholder marks a skip token whose target is not yet known.
const skipPlaceholder uint32 = 0xDEADBABE

// ReferenceInfo is a decoded reference token:
// ReturnCount in bits 0-7, Type in bits 8-11, Offset in bits 12-31.
type ReferenceInfo struct {
	ReturnCount uint8
	Type        TokenType
	Offset      uint32
}

// Encode packs ri into its wire form.
func (ri ReferenceInfo) Encode() uint32 {
	return uint32(ri.ReturnCount) | uint32(ri.Type&0xF)<<8 | (ri.Offset&MaxOffset)<<12
}

// DecodeReferenceInfo unpacks a reference token.
func DecodeReferenceInfo(v uint32) ReferenceInfo {
	return ReferenceInfo{
		ReturnCount: uint8(v), //nolint:gosec // low byte
		Type:        TokenType(v >> 8 & 0xF),
		Offset:      v >> 12,
	}
}

// SkipInfo is a decoded skip token: InnerReturnCount in bits 0-7 and the
// absolute SkipIndex in bits 8-31.
type SkipInfo struct {
	InnerReturnCount uint8
	SkipIndex        uint32
}

// Encode packs si into its wire form.
func (si SkipInfo) Encode() uint32 {
	return uint32(si.InnerReturnCount) | (si.SkipIndex&MaxSkipIndex)<<8
}

// DecodeSkipInfo unpacks a skip token.
func DecodeSkipInfo(v uint32) SkipInfo {
	return SkipInfo{
		InnerReturnCount: uint8(v), //nolint:gosec // low byte
		SkipIndex:        v >> 8,
	}
}

// TokenStream is the ordered token list of one struct. Reference tokens may
// be followed by auxiliary words: ArrayStruct by a stride and a skip token,
// FixedArray by a stride and a count.
type TokenStream struct {
	tokens []uint32
}

// Len returns the number of words in the stream.
func (ts *TokenStream) Len() int { return len(ts.tokens) }

// Word returns the raw word at i.
func (ts *TokenStream) Word(i int) uint32 { return ts.tokens[i] }

// Info decodes the reference token at i.
func (ts *TokenStream) Info(i int) ReferenceInfo { return DecodeReferenceInfo(ts.tokens[i]) }

// Skip decodes the skip token at i.
func (ts *TokenStream) Skip(i int) SkipInfo { return DecodeSkipInfo(ts.tokens[i]) }

// EmitReferenceInfo appends a reference token and returns its index.
func (ts *TokenStream) EmitReferenceInfo(ri ReferenceInfo) int {
	ts.tokens = append(ts.tokens, ri.Encode())
	return len(ts.tokens) - 1
}

// EmitAux appends a stride or count word.
func (ts *TokenStream) EmitAux(v uint32) int {
	ts.tokens = append(ts.tokens, v)
	return len(ts.tokens) - 1
}

// EmitSkipIndexPlaceholder appends a skip token to be fixed up by
// UpdateSkipIndexPlaceholder once the array body has been emitted.
func (ts *TokenStream) EmitSkipIndexPlaceholder() int {
	ts.tokens = append(ts.tokens, skipPlaceholder)
	return len(ts.tokens) - 1
}

// UpdateSkipIndexPlaceholder points the placeholder at at to skipIndex, the
// token following the array body. The body's last token return count at
// this point is recorded as the inner return count.
func (ts *TokenStream) UpdateSkipIndexPlaceholder(at, skipIndex int) {
	if ts.tokens[at] != skipPlaceholder {
		panic(fmt.Sprintf("gc: token %d is not a skip placeholder", at))
	}
	if skipIndex <= at+1 || skipIndex > len(ts.tokens) || skipIndex > MaxSkipIndex {
		panic(fmt.Sprintf("gc: skip target %d out of range", skipIndex))
	}
	inner := ts.Info(skipIndex - 1).ReturnCount
	ts.tokens[at] = SkipInfo{InnerReturnCount: inner, SkipIndex: uint32(skipIndex)}.Encode() //nolint:gosec // bounded above
}

// EmitReturn closes a scope by raising the last token's return count.
func (ts *TokenStream) EmitReturn() {
	last := len(ts.tokens) - 1
	ri := ts.Info(last)
	if ri.ReturnCount == MaxReturnCount {
		panic("gc: return count overflow")
	}
	ri.ReturnCount++
	ts.tokens[last] = ri.Encode()
}

// EmitEndOfStream terminates the stream.
func (ts *TokenStream) EmitEndOfStream() {
	ts.EmitReferenceInfo(ReferenceInfo{Type: TokenEndOfStream})
}

// String renders the stream one token per line.
func (ts *TokenStream) String() string {
	var b strings.Builder
	for i := 0; i < len(ts.tokens); i++ {
		ri := ts.Info(i)
		fmt.Fprintf(&b, "%4d %-16s off=%d ret=%d", i, ri.Type, ri.Offset, ri.ReturnCount)
		switch ri.Type {
		case TokenArrayStruct:
			si := ts.Skip(i + 2)
			fmt.Fprintf(&b, " stride=%d skip=%d inner=%d", ts.tokens[i+1], si.SkipIndex, si.InnerReturnCount)
			i += 2
		case TokenFixedArray:
			fmt.Fprintf(&b, " stride=%d count=%d", ts.tokens[i+1], ts.tokens[i+2])
			i += 2
		}
		b.WriteByte('\n')
	}
	return b.String()
}
