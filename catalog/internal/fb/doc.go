// Package fb holds the FlatBuffers bindings generated from catalog.fbs.
package fb
