// Package ffmodel contains the data model shared by the flag server and the client SDK: flags and
// their targeting rules, evaluation contexts and results, change events, and audit entries.
//
// All types implement JSON encoding with go-jsonstream, using camelCase property names and
// lowercase string enums.
package ffmodel
