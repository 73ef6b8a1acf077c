// Package engine serves named content-safety policies built from configuration.
//
// Architecture:
//
// factory.go  - Turns config.Config into catalog dependencies and policy specs
// registry.go - Immutable generations of named policies, swapped atomically
// engine.go   - Evaluate / EvaluateChain / EvaluateAll with tracing, metrics and audit
// watch.go    - Applies configuration revisions published by a config provider
//
// A reload builds a complete new generation before it becomes visible. A
// generation that fails to build is discarded and the previous one keeps
// serving, so in-flight and subsequent evaluations never observe a partially
// configured policy set.
package engine
