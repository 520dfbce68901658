// Package mesh carries intent envelopes between nodes. It defines the wire
// envelope, normalizes raw inbound bytes into a closed set of typed events
// and provides an in-process transport plus a libp2p stream transport with
// mDNS discovery and hop-limited relaying.
package mesh
