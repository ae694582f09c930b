// Package reconcile verifies that agents the console believes are running
// are still running on the gateway.
//
// Each pass claims every eligible runId in a shared ClaimSet before probing,
// so a run referenced by several agent records, or by overlapping passes,
// is probed once. Terminal probe results become fleet patches, applied only
// if the freshest record still points at the probed run.
package reconcile
