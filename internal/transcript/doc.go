// Package transcript reconciles an agent's append-mostly transcript.
//
// # Entries
//
// Every transcript line is an Entry. Entries delivered by the gateway carry
// a stable EntryID; lines the console writes optimistically (a message the
// operator just sent) carry the same id the gateway will later echo back.
// Legacy lines have no id and are only ever appended.
//
// # Reconciliation
//
// Upsert applies one entry to a list:
//
//   - no EntryID: append
//   - matching EntryID: replace in place, keeping list position
//
// A confirmed entry always replaces an unconfirmed one. An unconfirmed
// entry replaces another unconfirmed one (latest wins) but never a
// confirmed one. Every Upsert also runs Dedupe over the whole list, so two
// candidates that share an id collapse to one before the next entry is
// applied, whatever order they arrived in.
//
// # Output lines
//
// Lines derives the flattened view from the entries. Callers recompute it
// after every reconciliation instead of patching it by hand.
package transcript
