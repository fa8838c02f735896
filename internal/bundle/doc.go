// Package bundle owns the vat code bundle representation.
//
// Ownership boundary:
// - raw source vs structured bundle variants
// - bundle validation before any pipeline stage runs
// - archive codec (CBOR, zstd, JSON) and content ids
package bundle
