package cluster

import "errors"

// Sentinel errors for the protocol-level rejections in §7. They never
// cross the wire — a rejected message gets an absent reply and a log
// line, never a crash — but they give handleNetworkEnvelope something
// concrete to log and, in tests, to assert against.
var (
	ErrWrongRole      = errors.New("cluster: message not valid for current role")
	ErrUnknownPrimary = errors.New("cluster: no known primary address")
)
