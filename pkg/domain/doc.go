// Package domain defines the core value types and errors of the content-safety
// policy engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Value objects (Span, Match, Verdict, PolicyResult) copied freely and never
// mutated after creation
// - Independent of detection technique (regex lexicons, LLM classifiers)
// - Independent of hosting concerns (HTTP, configuration files, telemetry)
//
// Detectors, actions and policies in sibling packages produce and consume these
// types. The dependency direction is always:
//
//	detect / action / policy / catalog → domain (CORRECT)
//	domain → detect / action / policy (FORBIDDEN)
package domain
