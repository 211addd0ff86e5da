// Package envelope defines the Event Envelope, the unit of progress that flows
// from an agent flow runner to every subscriber of a session.
//
// # Kinds
//
//   - status: free-form key/value progress information
//   - partial_chunk: a piece of answer text ({"text": "..."})
//   - final_result: the structured result; terminal
//   - error: {"message": "...", "code": "..."}; terminal
//
// Exactly one terminal envelope ends a session. The dispatcher assigns
// SessionID, Seq and Timestamp at publish time so that, within a session,
// Seq is strictly increasing and Timestamp never decreases.
package envelope
