// Package cabinet is a lightweight object-mapping layer over an embedded,
// versioned key-value store with secondary indexes.
//
// Calling code declares persistent record types, declares how the store's
// schema evolves across versions, and queries or persists records without
// hand-writing storage-engine calls. The layer is arranged like so:
//
//	kv        - store-adapter interfaces the engine must satisfy
//	bolt      - bbolt-backed implementation with a version-gated open
//	migration - versioned schema steps and the runner applying them
//	record    - record registry and the generic query/persistence surface
//
// This root package holds the error taxonomy shared by the layers below.
package cabinet
