// Package classify turns captured packet groups into flows.
//
// The first line of a group is the capture header, from which addresses,
// ports and transport protocol are recovered. The destination port picks
// the payload heuristic:
//
//	53   first domain-shaped string (DNS query name)
//	80   HTTP request line and headers (Host)
//	443  first domain-shaped string not containing a user-agent token (SNI)
//
// Every function here returns "no result" on input it cannot make sense
// of. None of them panic on truncated or binary payloads.
package classify
