// Package worker implements the consuming side of the broker bridge:
// it pulls request envelopes off the work queue, dispatches them to
// registered operation handlers, and publishes response envelopes back
// to each request's reply target. Faulted deliveries cycle through the
// delayed retry queue until the attempt limit is reached, then park on
// the dead-letter queue.
package worker
