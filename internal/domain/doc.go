// Package domain holds the outreach engine's value types: workflow
// definitions and triggers, enrollments and their tasks, dispatch attempts,
// ledger events and analytics counters.
//
// It imports no other internal package. Methods here are pure: validation,
// state predicates, bucket arithmetic and rate derivation.
package domain
