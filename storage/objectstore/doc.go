// Package objectstore implements storage.Backend on a NATS JetStream object
// store bucket.
//
// Region data is append-only, and an object store object is written in one go,
// so each Append becomes its own chunk object. Chunk names carry a zero-padded
// index and Bytes concatenates the chunks in name order. Records are small CBOR
// objects overwritten in place.
//
//	store, err := objectstore.New(ctx, objectstore.Config{Bucket: "RUN_" + id}, objectstore.Deps{
//	    Client:   natsClient,
//	    Registry: registry,
//	    Logger:   logger,
//	})
//
// The chunk index of a region is found by listing the bucket once and then
// kept in memory, so only one process may append to a bucket at a time.
//
// Destroy deletes the whole bucket; Close leaves it and the NATS client alone.
package objectstore
