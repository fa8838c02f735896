// Package message owns the kernel message envelope.
//
// Ownership boundary:
// - vat and slot identity types
// - capdata bodies with tagged special values
// - envelope validation
package message
