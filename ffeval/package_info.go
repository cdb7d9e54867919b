// Package ffeval implements flag evaluation: a pure function from a flag definition and an
// evaluation context to a typed result.
//
// The same evaluator runs on the server, for network evaluations, and inside the client SDK, for
// evaluations of cached flags, so both sides always agree on the outcome.
package ffeval
