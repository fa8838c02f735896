// Package vat turns code bundles into dispatch handlers.
//
// A Loader instruments a bundle's source with meter checks, evaluates it in a
// fresh JavaScript runtime bound to the vat's meter, and returns a Constructor.
// The kernel invokes the Constructor with the vat's Syscall surface to obtain
// the Dispatcher that receives deliveries.
package vat
