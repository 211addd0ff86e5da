// Package runner defines the agent flow contract and its adapters.
//
// # Overview
//
// The streaming core never computes answers itself. It hands a Request to a
// Runner and consumes the returned envelope channel. A runner yields zero or
// more status and partial-chunk envelopes, then exactly one final-result or
// error envelope, then closes the channel.
//
// # Adapters
//
//   - Echo: local development runner that streams the query back.
//   - HTTP: posts the request to an upstream flow service and reads
//     newline-delimited JSON envelopes from the response body.
//   - Func: wraps a plain function, mostly for tests.
//
// A runner that closes its channel without a terminal envelope, or fails to
// start, is reported to subscribers by the dispatcher's pump.
package runner
