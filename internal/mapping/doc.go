// Package mapping resolves how a Go document type carries its identity.
//
// The identity field is the struct field tagged `marten:"id"`, or else the
// field named Id or ID. Its Go type fixes the identity kind:
//
//	int, int32, int64  numeric (Hi-Lo)
//	uuid.UUID          token
//	string             assigned
//
// A Registry is passed explicitly to whoever needs it; there is no
// process-wide mapping cache.
package mapping
