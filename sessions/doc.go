// Package sessions defines the durable session record and the Store contract
// that every backend must satisfy.
//
// A session is the unit of client interaction state. The store is the sole
// owner of durable session content; live, per-node handler objects are
// reconstructed from it elsewhere and are never passed through this layer.
// The Record type therefore contains only serializable fields, eliminating
// any need to strip non-serializable state before a write.
//
// Failure-mode asymmetry is deliberate and part of the contract: reads fail
// open (a transient backend blip reports as absence so the request path stays
// resilient), while writes that establish durable state fail closed (a lost
// write would break every subsequent request for that session).
package sessions
