// Package sequence provides Hi-Lo counter sources that do not need the
// SQLite store: Redis (INCRBY) for multi-host deployments and lock-protected
// files for a single host.
//
// Both implement hilo.SequenceSource and hilo.FloorSetter.
package sequence
