// Package outreach is the enrollment engine: the per-enrollment state
// machine, the lease-claiming scheduler, the dispatcher that turns a due step
// into a channel send, trigger evaluation, and engagement ingestion.
//
// Enrollment state changes are compare-and-swap updates keyed on the
// enrollment's state and current step. Combined with exclusive task leases
// this gives a single writer per enrollment without any in-process locking,
// so any number of scheduler processes can run against the same store.
package outreach
