// Package mongo mirrors a causal chain ledger into MongoDB.
//
// Use clients/mongo to build the low-level client and pass it to NewSink to
// obtain a chain.Sink that persists every appended and finalized action.
// Restore reloads a persisted chain into an empty ledger and verifies it.
package mongo
