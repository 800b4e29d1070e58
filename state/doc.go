// Package state defines the workflow state model and the type-preserving
// serializer used by every persistence layer in Maestro.
//
// WorkflowState is the unit of durability: a schemaless data map plus
// metadata and a SHA-256 checksum computed over the serialized data only,
// so identical logical state always yields the same checksum regardless
// of wrapping.
//
// The serializer round-trips nested maps and lists, tagged enums,
// timestamps, durations, sets, binary blobs, and user-defined record
// types registered with a Registry. Output is deterministic (map keys
// are sorted), which is what makes checksums stable.
package state
