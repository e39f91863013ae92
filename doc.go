// Package checktick implements the hierarchical key custody core of the
// CheckTick survey platform: envelope encryption of per-survey
// key-encrypting keys, deterministic derivation of organization, team, and
// user escrow keys from a split-knowledge platform master key, and the
// supervised recovery workflow that releases escrowed keys only after
// identity verification, approval by two distinct administrators, and a
// mandatory time delay.
//
// The chain of trust runs platform -> organization -> team -> survey, with
// a parallel per-user escrow path. Only survey KEKs are ever persisted, and
// only in sealed form; every other key is re-derived on demand and wiped
// when the operation that needed it returns. The platform master key exists
// only as the transient XOR of two independently held components, so neither
// the secret store, the application, nor a single operator can decrypt user
// data alone.
//
// Subpackages: persist (secret store backends), audit (append-only event
// log), notify (workflow notifications).
package checktick
