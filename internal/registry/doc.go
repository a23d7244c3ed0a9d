// Package registry tracks which subscribers are watching which key and
// broadcasts the live count for a key whenever its membership changes.
//
// The Registry is an actor: a single goroutine owns the membership directory
// and processes register/unregister commands from a bounded queue, so id
// assignment, count recomputation and fan-out need no locks. Each subscriber
// gets a bounded delivery channel; a full channel drops that update for that
// subscriber only and never blocks the control loop.
package registry
