// Package storage defines the Backend interface behind the inbound store.
//
// # Overview
//
// A Backend keeps three things:
//   - the bytes recovered from each recording region, behind a RegionData handle
//   - a RegionRecord per region (end-of-run buffer state and its flags)
//   - a CoreRecord per core (acknowledgement sequence numbers and the last
//     request and reply exchanged with the core)
//
// Region data only ever grows by Append until it is cleared, so every backend
// stores it as an ordered list of chunks and concatenates on Bytes.
//
// # Implementations
//
//   - storage/memstore: maps in memory, lost on exit
//   - storage/badgerstore: an embedded badger database on disk, records encoded
//     as CBOR
//   - storage/objectstore: a NATS JetStream object store bucket, one object per
//     chunk
//
// The daemon picks one from the storage mode in its configuration.
//
// # Thread Safety
//
// All Backend implementations MUST be safe for concurrent use. The buffer
// manager serialises writes per region, but drains, clears and metrics scrapes
// may overlap.
//
// # Errors
//
// Backends classify failures with the errors package: WrapTransient for an
// unreachable server or a timed-out request, WrapFatal for corrupt records.
// A missing record is not an error; State and CoreState report it with false.
package storage
