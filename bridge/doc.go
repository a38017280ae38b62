// Package bridge implements the request/response side of the broker
// bridge: publishing request envelopes to the shared work queue and
// matching inbound response envelopes to in-flight requests through a
// correlation registry.
package bridge
