// Package transport implements the three network primitives the Node
// state machine is built on (§4.2-4.4): a fire-and-forget Simple
// Sender, a retrying Reliable Sender, and a frame Receiver. All three
// share the same wire format from internal/codec and know nothing
// about message semantics — they move opaque frame payloads.
package transport

// channelCapacity bounds every channel used by this package: a
// destination's outbound queue and a Receiver's inbound queue. Every
// channel in the system is bounded at the same value so backpressure
// behaves uniformly end to end.
const channelCapacity = 1000
