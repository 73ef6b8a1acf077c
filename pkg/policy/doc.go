// Package policy binds detectors, an aggregation threshold and an action into
// an immutable, concurrently usable Policy.
//
// Combination rules (which detectors may feed which action, threshold range,
// placeholder presence) are expressed in Rego and evaluated with an embedded
// Open Policy Agent instance when a Policy is constructed, so an invalid
// product of detector and action never reaches evaluation. Chains evaluate
// several policies over one text, feeding redacted text forward.
package policy
