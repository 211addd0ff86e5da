// Package session implements the session registry.
//
// # Overview
//
// The Registry owns every streaming session and is the single source of
// truth for whether a session exists. A session is created when a query is
// submitted and moves from active to ended exactly once, either because the
// agent flow produced its terminal envelope or because it went idle for too
// long.
//
// # Lifecycle
//
//	id := reg.Create(session.Meta{WorkspaceID: "ws"})
//	reg.Terminate(id, envelope.Final(result)) // active -> ended
//	reg.End(id)                               // no-op, already ended
//
// Ended sessions stay in the registry for a grace period so that late
// subscribers can still read the terminal envelope. The background sweeper
// (Start/Stop) handles both idle expiry (via the OnExpire hook) and removal
// after the grace period (via OnDestroy hooks, which run before the record
// is deleted so dependents can drop their references first).
//
// Unknown ids never panic: End and Terminate return ErrNotFound, queries
// return false.
package session
