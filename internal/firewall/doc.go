// Package firewall installs and removes per-destination drop rules on the
// host packet filter.
//
// Two backends implement Filter:
//
//   - IPTables shells out to iptables through a CommandRunner, inserting
//     each rule at the head of the configured chain.
//   - NFTables talks netlink directly (google/nftables) and keeps its
//     rules in a dedicated "apwatch" table hooked on forward.
//
// MemoryFilter is an in-process fake used by tests of higher layers.
package firewall
