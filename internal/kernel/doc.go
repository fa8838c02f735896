// Package kernel owns dynamic vat lifecycle state.
//
// Ownership boundary:
// - vat id allocation and the vat manager registry
// - the kernel-wide export table and run queue
// - the creation pipeline and its lifecycle notifications
// - termination and the crank driver
//
// All state is mutated by the goroutine driving the scheduler. Other
// goroutines reach the kernel through Submit.
package kernel
