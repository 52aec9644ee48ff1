// Package worker provides a generic, bounded task queue drained by a fixed number of
// goroutines.
//
// The buffer manager runs its inbound drain work on a single-worker pool: read
// requests arrive on the listener goroutine, are acknowledged there, and are then
// queued so the listener never blocks on memory reads. One worker means drain
// tasks never run concurrently with each other.
//
//	pool := worker.NewPool[eieio.ReadRequest](1, 32, m.processReadRequest,
//	    worker.WithErrorHandler[eieio.ReadRequest](func(req eieio.ReadRequest, err error) {
//	        logger.Error("Read request failed", "core", req.Core, "error", err)
//	    }),
//	)
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Submit never blocks. When the queue is full it returns ErrQueueFull; callers on a
// retrying protocol can simply drop the item and wait for the peer to resend.
//
// Processor errors and panics are counted and handed to the error hook. They never
// stop a worker.
//
// # Statistics and metrics
//
// Counters in Stats() are always maintained. With WithMetricsRegistry the same
// counters, the queue depth and a processing-time histogram are exported through
// the metric package.
package worker
