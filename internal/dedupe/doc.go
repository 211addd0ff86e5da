// Package dedupe tracks which connections already received a session's
// terminal envelope so that the fan-out pass, the late delivery pass and
// explicit replays never send it twice within the claim TTL.
package dedupe
