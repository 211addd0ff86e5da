// Package store provides the session audit ledger.
//
// # Architecture
//
// Store is a small interface with two implementations:
//
//   - SQLiteStore: durable ledger on modernc.org/sqlite (pure Go, no cgo)
//   - MemoryStore: bounded in-memory ledger used when no database path is set
//
// # Data Model
//
// SessionRecord holds who asked what and how the session ended:
//
//   - identity: ID, WorkspaceID, AgentID, UserID
//   - the query text
//   - CreatedAt, EndedAt (nil while active)
//   - Outcome: "final_result" or the terminal error code
//   - Envelopes: how many envelopes the session published
//
// Envelope payloads are never persisted; streaming is live-only.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/coven/stream.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	err = s.CreateSession(ctx, &store.SessionRecord{ID: id, Query: q, CreatedAt: time.Now()})
//	err = s.EndSession(ctx, id, time.Now(), "final_result", 12)
package store
