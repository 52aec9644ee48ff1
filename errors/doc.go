// Package errors provides standardized error handling for bufferlink.
//
// # Error Classification
//
// Errors fall into three classes:
//
//   - Transient: timeouts, lost datagrams, busy storage (retry recommended)
//   - Invalid: malformed packets, unknown commands, bad configuration values
//   - Fatal: protocol invariant violations and unusable buffer layouts (stop)
//
// # Wrapping
//
// Every package wraps errors with the component and method that observed them:
//
//	if err := t.WriteMemory(ctx, chip, addr, image); err != nil {
//	    return errors.WrapTransient(err, "BufferManager", "LoadInitialBuffers", "memory write")
//	}
//
// which renders as "BufferManager.LoadInitialBuffers: memory write failed: <cause>".
//
// # Protocol invariants
//
// The buffering protocol recovers from lost and duplicated datagrams on its own,
// so those never surface as errors. What does surface is a broken invariant:
//
//	ErrRegionNotEven   region byte budget not divisible by 2
//	ErrRegionTooSmall  nothing could be packed into a non-empty region
//	ErrNegativeLength  computed unread length is negative
//	ErrReadOverrun     ack replay moved the read pointer past the region end
//	ErrMissingAck      device asked for a resend of an ack the host never sent
//
// All of these are classified fatal by IsFatal.
package errors
