// Package identity models document identities and the strategies that generate them.
//
// A document type carries exactly one identity Kind, fixed when its mapping is
// resolved:
//
//   - Numeric: signed integers, generated by the Hi-Lo allocator (package hilo)
//   - Token:   128-bit UUIDs, generated locally (UUIDv7Tokens)
//   - Assigned: caller-supplied keys, never generated (Assigned)
//
// IsUnset is the single place that decides whether an identity still needs to
// be generated, which in turn decides insert vs update when a document is
// stored. Only an exact zero (or the all-zero token) counts as unset; negative
// numeric identities are treated as already assigned.
package identity
