// Package contracts defines the wire-level envelope types exchanged over the
// bridge and the failure taxonomy carried inside them. Envelopes are opaque
// to the transport: the bridge reads correlation and routing fields only and
// never interprets the payload.
package contracts
