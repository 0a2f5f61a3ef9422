// Package hilo reserves blocks of numeric identities from a durable counter
// and hands them out locally.
//
// Each document type has its own counter in a SequenceSource. A refill adds
// the block size to that counter in one atomic call and caches the returned
// range; subsequent calls are served from memory until the range runs out.
//
// Values are unique per document type across every Allocator sharing the
// source. They are strictly increasing within one Allocator but not globally
// ordered, and an Allocator that stops early forfeits the rest of its block.
package hilo
