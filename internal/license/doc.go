// Package license holds the core licensing domain: the License record, its
// lifecycle states, the key generator, and the admission result types shared
// by the service and transport layers.
//
// # Lifecycle
//
// A license is created in state "unused" with an empty activation list. The
// first successful admission flips it to "active"; it never reverts to
// "unused". The "suspended" and "expired" states are set externally and block
// all further admissions.
//
// # Invariants
//
//	- len(Activations) <= MaxActivations at all times
//	- Activations contains no duplicate machine identifiers
//	- Status == "active" iff at least one admission has succeeded
//	- Key is unique across all licenses (unique index in storage)
//
// The admission decision logic itself lives in the services package; the
// atomic seat-count guard lives in the storage layer so racing requests for
// the last seat resolve to exactly one admission.
package license
