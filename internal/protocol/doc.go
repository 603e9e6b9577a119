// Package protocol owns the lattice wire contract.
//
// Ownership boundary:
// - subject namespace (this package)
// - frame/header primitives (frame)
// - tlv payload primitives (tlv)
// - per-message field validation (schema)
// - typed message codecs (wire)
package protocol
