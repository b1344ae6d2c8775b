// Package testutil provides deterministic collaborators for engine tests:
// a manual clock, a scripted remote submitter and an in-memory durable store.
package testutil
