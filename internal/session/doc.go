// Package session implements the in-memory session registry using the actor pattern.
//
// One goroutine owns the key -> Session map and processes commands (lookups, creation,
// removal) and automation events strictly in arrival order. Every blocking operation on an
// automation handle (construction, Initialize, Destroy) runs off the actor goroutine and
// reports back through the command channel. Events carry the ID of the Session whose
// handle raised them, so signals from a torn-down handle can never mutate its successor.
package session
