// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (session.go, automation.go, dispatch.go, ...) hold shared types
// and the contracts the adapters implement. No implementation code, only contracts and
// small value helpers, so every other package can depend on it without cycles.
package domain
