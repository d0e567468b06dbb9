// Package workflow implements the workflow definition store.
//
// The service validates definitions at save time, keeps published versions
// immutable by forking a new version on edit, enforces status transitions,
// and soft-deletes. Enrollment side effects of activation and deletion are
// delegated to a Lifecycle implementation supplied by the outreach engine.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package workflow
