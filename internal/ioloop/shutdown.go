// Package ioloop wires the codec, reliability, auth, router and session
// packages onto real sockets. The socket-abstraction layer itself (a
// non-blocking poll-set) is an out-of-scope external collaborator per
// the protocol core's design; this package supplies a default
// implementation atop Go's net package instead: one reader goroutine per
// connection feeding a single core goroutine through a channel, which
// plays the role of the poll-set's "single-threaded cooperative" event
// loop for every stateful decision.
package ioloop

import "sync/atomic"

// Shutdown is the externally-owned boolean flag the core checks between
// poll iterations to decide whether to keep running.
type Shutdown struct {
	flag atomic.Bool
}

// Request signals every loop watching this flag to stop after its
// current iteration.
func (s *Shutdown) Request() { s.flag.Store(true) }

// Requested reports whether shutdown has been asked for.
func (s *Shutdown) Requested() bool { return s.flag.Load() }
