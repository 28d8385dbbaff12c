// Package domain defines the event model shared by the broker, the connection actors and the transport.
//
// Concept-oriented files (channel.go, event.go, command.go, errors.go) hold pure data contracts.
// No goroutines and no I/O live here; everything is an immutable value once constructed.
package domain
