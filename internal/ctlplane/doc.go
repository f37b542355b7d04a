// Package ctlplane exposes the operations a front end needs.
//
// [Control] is the in-process facade: block management through the
// blocklist synchronizer, flow log queries, and the monitor toggle.
//
// [Server] publishes Control over net/rpc on a Unix socket so the CLI
// (and any local front end) can drive a running daemon. [Client] is the
// matching RPC client.
//
//	CLI → Client → Unix socket → Server → Control → blocklist / flowlog / monitor
//
// # RPC Naming Convention
//
// Request types are {MethodName}Args and responses {MethodName}Reply.
// Empty is used for methods with no arguments.
package ctlplane
