// Package retry provides exponential backoff retry for operations against the
// board and the local network stack.
//
// Two presets exist:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay with jitter (socket binding)
//   - Transfer(): 5 attempts, 10ms-250ms delay (SCP request/reply exchanges)
//
// Usage:
//
//	data, err := retry.DoWithResult(ctx, retry.Transfer(), func() ([]byte, error) {
//	    return t.readChunk(ctx, chip, addr, n)
//	})
//
// Wrap an error with NonRetryable to stop retrying immediately, for example when
// the board rejects a request outright rather than failing to answer it.
package retry
